package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"triage_server/core/service/followup"
)

// =============================================================================
// Scheduler - cron-driven triage batch and queue sweep
// =============================================================================

type Sweeper interface {
	Sweep(ctx context.Context) (*followup.SweepReport, error)
}

type BatchRunner interface {
	Run(ctx context.Context) (*BatchReport, error)
}

type SchedulerConfig struct {
	TriageSchedule string
	SweepSchedule  string
	// JobTimeout bounds one run of either job.
	JobTimeout time.Duration
	Location   *time.Location
}

// Scheduler runs the batch and the sweep on cron schedules. A run that is
// still going when its next tick fires is skipped, not stacked.
type Scheduler struct {
	cron    *cron.Cron
	batch   BatchRunner
	sweeper Sweeper
	cfg     SchedulerConfig
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(batch BatchRunner, sweeper Sweeper, cfg SchedulerConfig, log zerolog.Logger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	log = log.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		batch:   batch,
		sweeper: sweeper,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)

	if batch != nil && cfg.TriageSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.TriageSchedule, s.RunBatch); err != nil {
			cancel()
			return nil, err
		}
	}
	if sweeper != nil && cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.RunSweep); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info().
		Str("triage", s.cfg.TriageSchedule).
		Str("sweep", s.cfg.SweepSchedule).
		Msg("scheduler starting")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.log.Info().Msg("scheduler stopping")
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

// RunBatch runs the triage batch once.
func (s *Scheduler) RunBatch() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	report, err := s.batch.Run(ctx)
	if err != nil {
		s.log.Error().Err(err).Interface("report", report).Msg("triage batch failed")
		return
	}
	s.log.Debug().Interface("report", report).Msg("triage batch done")
}

// RunSweep runs the queue sweep once.
func (s *Scheduler) RunSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Interface("report", report).Msg("queue sweep failed")
		return
	}
	s.log.Debug().Interface("report", report).Msg("queue sweep done")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
