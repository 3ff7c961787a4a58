// Package worker runs the triage batch and the queue sweep on a schedule.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/core/service/followup"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
)

// =============================================================================
// Processor - fetch, classify, enqueue, label
// =============================================================================

type Classifier interface {
	Classify(ctx context.Context, ec *domain.EmailContext, cfg *domain.ClassificationConfig) (*domain.ClassificationResult, error)
}

type Enqueuer interface {
	AddItem(ctx context.Context, cand *followup.EnqueueCandidate) (*followup.EnqueueResult, error)
	Snooze(ctx context.Context, id string, until time.Time) (*domain.FollowUpItem, error)
}

// SnoozeSuggester picks the wake-up time for auto-executable SNOOZE actions.
type SnoozeSuggester interface {
	Suggest(ctx context.Context, email *domain.Email, cls *domain.ClassificationResult, loc *time.Location, wh *domain.WorkingHours) (*domain.SnoozeSuggestion, error)
}

// Labeler applies mailbox labels for auto-executable LABEL actions.
type Labeler interface {
	ApplyLabel(ctx context.Context, emailID, label string) error
}

type ProcessorConfig struct {
	Query          string
	BatchSize      int
	Classification *domain.ClassificationConfig
	Location       *time.Location
	WorkingHours   *domain.WorkingHours
	// ItemTimeout bounds one email's classify and enqueue.
	ItemTimeout time.Duration
}

type ProcessorDeps struct {
	Mailbox    out.MailboxReader
	Classifier Classifier
	Queue      Enqueuer
	Labeler    Labeler
	// Snoozer is optional; without it SNOOZE actions stay suggestions.
	Snoozer SnoozeSuggester
	Logger  zerolog.Logger
}

type Processor struct {
	mailbox    out.MailboxReader
	classifier Classifier
	queue      Enqueuer
	labeler    Labeler
	snoozer    SnoozeSuggester
	cfg        ProcessorConfig
	log        zerolog.Logger
	now        func() time.Time
}

func NewProcessor(deps *ProcessorDeps, cfg ProcessorConfig) *Processor {
	if cfg.Classification == nil {
		cfg.Classification = domain.DefaultClassificationConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 2 * time.Minute
	}
	return &Processor{
		mailbox:    deps.Mailbox,
		classifier: deps.Classifier,
		queue:      deps.Queue,
		labeler:    deps.Labeler,
		snoozer:    deps.Snoozer,
		cfg:        cfg,
		log:        deps.Logger.With().Str("component", "processor").Logger(),
		now:        time.Now,
	}
}

// BatchReport summarizes one run.
type BatchReport struct {
	RunID       string        `json:"run_id"`
	Fetched     int           `json:"fetched"`
	Processed   int           `json:"processed"`
	Enqueued    int           `json:"enqueued"`
	Skipped     int           `json:"skipped"`
	Degraded    int           `json:"degraded"`
	AutoLabeled int           `json:"auto_labeled"`
	Snoozed     int           `json:"snoozed"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// Run triages one batch. Per-email failures are counted and skipped; a
// cancelled context, a permission failure or a configuration failure stops
// the batch and returns the partial report with the error.
func (p *Processor) Run(ctx context.Context) (*BatchReport, error) {
	start := p.now()
	report := &BatchReport{RunID: uuid.NewString()}
	ctx = context.WithValue(ctx, logger.RunIDKey, report.RunID)
	log := p.log.With().Str("run_id", report.RunID).Logger()
	defer func() { report.Duration = p.now().Sub(start) }()

	emails, err := p.mailbox.Fetch(ctx, p.cfg.Query, p.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("fetch mailbox: %w", err)
	}
	report.Fetched = len(emails)

	for i := range emails {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("remaining", len(emails)-i).Msg("batch cancelled")
			return report, err
		}
		if err := p.processOne(ctx, &emails[i], report); err != nil {
			if fatal(ctx, err) {
				log.Error().Err(err).Str("email_id", emails[i].ID).Msg("batch aborted")
				return report, err
			}
			report.Failed++
			log.Warn().Err(err).Str("email_id", emails[i].ID).Msg("email failed")
			continue
		}
		report.Processed++
	}

	log.Info().
		Int("fetched", report.Fetched).
		Int("enqueued", report.Enqueued).
		Int("skipped", report.Skipped).
		Int("degraded", report.Degraded).
		Int("failed", report.Failed).
		Msg("batch complete")
	return report, nil
}

func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch apperr.CodeOf(err) {
	case apperr.CodePermission, apperr.CodeConfiguration:
		return true
	}
	return false
}

func (p *Processor) processOne(ctx context.Context, email *domain.Email, report *BatchReport) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	ec := &domain.EmailContext{Email: *email, UserTimezone: p.cfg.Location}
	cls, err := p.classifier.Classify(ctx, ec, p.cfg.Classification)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if cls.Degraded {
		report.Degraded++
	}

	res, err := p.queue.AddItem(ctx, &followup.EnqueueCandidate{Email: *email, Classification: cls})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if res.Enqueued {
		report.Enqueued++
		if res.Created && p.autoSnooze(ctx, email, cls, res.ItemID) {
			report.Snoozed++
		}
	} else {
		report.Skipped++
	}

	report.AutoLabeled += p.autoLabel(ctx, email.ID, cls)
	return nil
}

// autoLabel applies LABEL actions the engine marked auto-executable.
func (p *Processor) autoLabel(ctx context.Context, emailID string, cls *domain.ClassificationResult) int {
	if p.labeler == nil {
		return 0
	}
	applied := 0
	for _, a := range cls.SuggestedActions {
		if !a.AutoExecute || a.Type != domain.ActionLabel || a.Value == "" {
			continue
		}
		if err := p.labeler.ApplyLabel(ctx, emailID, a.Value); err != nil {
			p.log.Warn().Err(err).Str("email_id", emailID).Str("label", a.Value).Msg("auto label failed")
			continue
		}
		applied++
	}
	return applied
}

// autoSnooze parks a freshly queued item when the engine marked a SNOOZE
// action auto-executable.
func (p *Processor) autoSnooze(ctx context.Context, email *domain.Email, cls *domain.ClassificationResult, itemID string) bool {
	if p.snoozer == nil {
		return false
	}
	wanted := false
	for _, a := range cls.SuggestedActions {
		if a.AutoExecute && a.Type == domain.ActionSnooze {
			wanted = true
			break
		}
	}
	if !wanted {
		return false
	}
	log := p.log.With().Str("email_id", email.ID).Str("item_id", itemID).Logger()
	sug, err := p.snoozer.Suggest(ctx, email, cls, p.cfg.Location, p.cfg.WorkingHours)
	if err != nil {
		log.Warn().Err(err).Msg("snooze suggestion failed")
		return false
	}
	if _, err := p.queue.Snooze(ctx, itemID, sug.SuggestedTime); err != nil {
		log.Warn().Err(err).Msg("auto snooze failed")
		return false
	}
	log.Debug().Time("until", sug.SuggestedTime).Str("urgency", string(sug.UrgencyLevel)).Msg("auto snoozed")
	return true
}
