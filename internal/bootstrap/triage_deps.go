package bootstrap

import (
	"context"
	"fmt"
	"time"

	"triage_server/adapter/in/worker"
	"triage_server/adapter/out/ai"
	"triage_server/adapter/out/catalog"
	"triage_server/adapter/out/notify"
	"triage_server/adapter/out/persistence"
	"triage_server/adapter/out/provider"
	"triage_server/config"
	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/core/service/classification"
	"triage_server/core/service/followup"
	"triage_server/core/service/learning"
	"triage_server/infra/database"
	"triage_server/pkg/apperr"
	"triage_server/pkg/cache"
	"triage_server/pkg/logger"
	"triage_server/pkg/ratelimit"
	"triage_server/pkg/resilience"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	_ in.ClassificationService = (*classification.Engine)(nil)
	_ in.VIPRegistry           = (*classification.VIPManager)(nil)
	_ in.LearningService       = (*learning.System)(nil)
	_ in.FollowUpQueue         = (*followup.QueueManager)(nil)
	_ in.SnoozeAdvisor         = (*followup.SnoozeEngine)(nil)
)

var errNoMailbox = apperr.Configuration("triage needs GMAIL_CLIENT_ID, GMAIL_CLIENT_SECRET and GMAIL_REFRESH_TOKEN")

type Dependencies struct {
	Config  *config.Config
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	Catalog *catalog.Catalog

	// Cache is nil when Redis is not configured.
	Cache   out.Cache
	Limiter out.RateLimiter

	// Repositories
	VIPRepo      domain.VIPRepository
	LearningRepo domain.LearningRepository
	FollowUpRepo domain.FollowUpRepository

	// Services
	Rules    *classification.RulesEngine
	VIP      *classification.VIPManager
	Learning *learning.System
	SLA      *followup.SLATracker
	Snooze   *followup.SnoozeEngine
	Engine   *classification.Engine
	Queue    *followup.QueueManager

	// Outbound adapters. AI is nil when AI_PROVIDER=none, Mailbox when Gmail
	// credentials are missing.
	AI      out.AIClassifier
	Mailbox *provider.GmailMailbox
	Sink    *notify.Sink

	Classification *domain.ClassificationConfig
	Processor      *worker.Processor
	Scheduler      *worker.Scheduler
}

// NewDependencies connects the stores and wires every service. The returned
// cleanup releases connections in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	log := logger.Default().Zerolog()
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database
	sqlDB, err := database.NewSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, nil)
	if err != nil {
		return fail(err)
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("database connected (driver=%s)", cfg.DatabaseDriver)

	applied, err := persistence.Migrate(ctx, sqlDB, log)
	if err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	if applied > 0 {
		logger.Info("applied %d schema migrations", applied)
	}

	// Redis
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			logger.Warn("Redis connection failed, running without cache: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() {
				stats := database.GetRedisStats(redisClient)
				log.Debug().Interface("pool", stats).Msg("redis pool at shutdown")
				redisClient.Close()
			})
			deps.Cache = cache.NewRedisCache(redisClient, cfg.CachePrefix)
			logger.Info("Redis connected")
		}
	}
	if deps.Redis != nil {
		deps.Limiter = ratelimit.NewSlidingWindowLimiter(deps.Redis, log)
	} else {
		deps.Limiter = ratelimit.NewMemoryLimiter()
	}

	// Catalog
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fail(err)
	}
	deps.Catalog = cat

	// Repositories
	deps.VIPRepo = persistence.NewVIPRepository(sqlDB)
	deps.LearningRepo = persistence.NewLearningRepository(sqlDB)
	deps.FollowUpRepo = persistence.NewFollowUpRepository(sqlDB)

	// Classification
	deps.Rules, err = classification.NewRulesEngine(cat.Rules)
	if err != nil {
		return fail(err)
	}
	deps.VIP = classification.NewVIPManager(deps.VIPRepo)
	if err := deps.VIP.Seed(ctx, cat.VIPs); err != nil {
		return fail(fmt.Errorf("seed vips: %w", err))
	}

	deps.Learning = learning.NewSystem(deps.LearningRepo, deps.Cache, learningConfig(cfg), log)
	deps.Learning.SeedCategoryHints(ctx, cat.Hints)
	if _, err := deps.Learning.Initialize(ctx); err != nil {
		logger.Warn("learned model unavailable, starting cold: %v", err)
	}

	deps.SLA = followup.NewSLATracker(slaConfig(cfg))
	deps.Snooze = followup.NewSnoozeEngine(nil, nil, log)

	if deps.AI, err = newAIClassifier(cfg, deps.Limiter, log); err != nil {
		return fail(err)
	}
	deps.Engine = classification.NewEngine(&classification.EngineDeps{
		Rules:     deps.Rules,
		VIP:       deps.VIP,
		Learner:   deps.Learning,
		AI:        deps.AI,
		Deadlines: deps.SLA,
		Logger:    log,
	})

	deps.Classification = classificationConfig(cfg, deps.AI != nil)
	if err := deps.Classification.Validate(); err != nil {
		return fail(err)
	}

	// Mailbox and notifications
	if cfg.HasGmail() {
		mb, err := provider.NewGmailMailbox(ctx, provider.GmailConfig{
			ClientID:     cfg.GmailClientID,
			ClientSecret: cfg.GmailClientSecret,
			RefreshToken: cfg.GmailRefreshToken,
		}, log)
		if err != nil {
			return fail(err)
		}
		deps.Mailbox = mb
		logger.Info("Gmail mailbox ready")
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.HasSlack() {
		slackNotifier, err := notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel, log)
		if err != nil {
			return fail(err)
		}
		notifiers = append(notifiers, slackNotifier)
	}
	var labeler notify.Labeler
	if deps.Mailbox != nil {
		labeler = deps.Mailbox
	}
	deps.Sink = notify.NewSink(labeler, log, notifiers...)

	// Queue
	deps.Queue = followup.NewQueueManager(&followup.QueueDeps{
		Repo:     deps.FollowUpRepo,
		SLA:      deps.SLA,
		Learning: deps.Learning,
		Notifier: deps.Sink,
		Logger:   log,
	}, queueConfig(cfg))

	// Worker
	if deps.Mailbox != nil {
		deps.Processor = worker.NewProcessor(&worker.ProcessorDeps{
			Mailbox:    deps.Mailbox,
			Classifier: deps.Engine,
			Queue:      deps.Queue,
			Labeler:    deps.Mailbox,
			Snoozer:    deps.Snooze,
			Logger:     log,
		}, worker.ProcessorConfig{
			Query:          cfg.GmailQuery,
			BatchSize:      cfg.BatchSize,
			Classification: deps.Classification,
			Location:       cat.Location,
			WorkingHours:   cat.WorkingHours,
		})
	}

	if cfg.SchedulerEnabled {
		var batch worker.BatchRunner
		if deps.Processor != nil {
			batch = deps.Processor
		} else {
			logger.Warn("Gmail not configured, scheduling the queue sweep only")
		}
		deps.Scheduler, err = worker.NewScheduler(batch, deps.Queue, worker.SchedulerConfig{
			TriageSchedule: cfg.TriageSchedule,
			SweepSchedule:  cfg.SweepSchedule,
			Location:       cat.Location,
		}, log)
		if err != nil {
			return fail(fmt.Errorf("scheduler: %w", err))
		}
	}

	return deps, cleanup, nil
}

// RunTriage runs one triage batch.
func (d *Dependencies) RunTriage(ctx context.Context) (*worker.BatchReport, error) {
	if d.Processor == nil {
		return nil, errNoMailbox
	}
	return d.Processor.Run(ctx)
}

// RunSweep runs one queue sweep.
func (d *Dependencies) RunSweep(ctx context.Context) (*followup.SweepReport, error) {
	return d.Queue.Sweep(ctx)
}

// RebuildModel replays the feedback log into a fresh learned model.
func (d *Dependencies) RebuildModel(ctx context.Context) (*domain.LearnedModel, error) {
	return d.Learning.RebuildModel(ctx)
}

// =============================================================================
// Config conversion
// =============================================================================

func newAIClassifier(cfg *config.Config, limiter out.RateLimiter, log zerolog.Logger) (out.AIClassifier, error) {
	var inner out.AIClassifier
	switch cfg.AIProvider {
	case config.AIProviderOpenAI:
		c, err := ai.NewOpenAIClassifier(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
		if err != nil {
			return nil, err
		}
		inner = c
	case config.AIProviderAnthropic:
		c, err := ai.NewAnthropicClassifier(ai.AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel})
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, nil
	}
	return ai.NewResilientClassifier(inner, limiter, resilientConfig(cfg), log), nil
}

func resilientConfig(cfg *config.Config) ai.ResilientConfig {
	rc := ai.DefaultResilientConfig(cfg.AIProvider)
	rc.RequestsPerMinute = cfg.AIRequestsPerMin
	rc.TokensPerMinute = cfg.AITokensPerMin
	rc.MaxWait = cfg.AIMaxWait
	rc.CallTimeout = cfg.AICallTimeout
	rc.Backoff = resilience.Backoff{
		Initial:     cfg.AIBackoffInitial,
		Max:         cfg.AIBackoffMax,
		Multiplier:  2,
		MaxAttempts: cfg.AIMaxAttempts,
	}
	rc.Breaker.FailureThreshold = cfg.AIBreakerThreshold
	rc.Breaker.Timeout = cfg.AIBreakerTimeout
	return rc
}

func classificationConfig(cfg *config.Config, haveAI bool) *domain.ClassificationConfig {
	return &domain.ClassificationConfig{
		UseAI:               haveAI,
		VIPOverride:         cfg.VIPOverride,
		LearningEnabled:     cfg.LearningEnabled,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		AutoActionThreshold: cfg.AutoActionThreshold,
		MergePolicy:         domain.MergePolicy(cfg.MergePolicy),
	}
}

func learningConfig(cfg *config.Config) *learning.Config {
	lc := learning.DefaultConfig()
	lc.LearningRate = cfg.LearningRate
	lc.RebuildWindow = cfg.LearningRebuildWindow
	lc.ModelTTL = cfg.LearningModelTTL
	return lc
}

func slaConfig(cfg *config.Config) *followup.SLAConfig {
	return &followup.SLAConfig{
		Windows: map[domain.Priority]time.Duration{
			domain.PriorityCritical: cfg.SLACritical,
			domain.PriorityHigh:     cfg.SLAHigh,
			domain.PriorityMedium:   cfg.SLAMedium,
			domain.PriorityLow:      cfg.SLALow,
		},
		Tier1Factor:    cfg.SLATier1Factor,
		AtRiskFraction: cfg.SLAAtRiskFraction,
	}
}

func queueConfig(cfg *config.Config) *followup.QueueConfig {
	qc := followup.DefaultQueueConfig()
	qc.EscalateAfterActions = cfg.EscalateAfterActions
	qc.QueueLabel = cfg.QueueLabel
	if cfg.SweepPageSize > 0 {
		qc.SweepPageSize = cfg.SweepPageSize
	}
	return qc
}
