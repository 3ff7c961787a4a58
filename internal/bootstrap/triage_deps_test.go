package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage_server/config"
	"triage_server/core/domain"
	"triage_server/core/service/followup"
	"triage_server/pkg/apperr"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:           "test",
		DatabaseDriver:        "sqlite",
		DatabaseURL:           ":memory:",
		CachePrefix:           "triage-test:",
		CatalogPath:           "../../catalog.example.yaml",
		AIProvider:            config.AIProviderNone,
		ConfidenceThreshold:   0.7,
		AutoActionThreshold:   0.9,
		MergePolicy:           string(domain.MergeUpgradeOnly),
		VIPOverride:           true,
		LearningEnabled:       true,
		LearningRate:          0.1,
		LearningRebuildWindow: 500,
		LearningModelTTL:      time.Hour,
		SLACritical:           2 * time.Hour,
		SLAHigh:               8 * time.Hour,
		SLAMedium:             24 * time.Hour,
		SLALow:                72 * time.Hour,
		SLATier1Factor:        0.5,
		SLAAtRiskFraction:     0.2,
		EscalateAfterActions:  5,
		QueueLabel:            "follow-up",
		SweepPageSize:         100,
		SchedulerEnabled:      true,
		TriageSchedule:        "*/15 * * * *",
		SweepSchedule:         "*/5 * * * *",
	}
}

func TestNewDependencies_WithoutOptionalServices(t *testing.T) {
	ctx := context.Background()
	deps, cleanup, err := NewDependencies(ctx, testConfig())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.AI)
	assert.Nil(t, deps.Mailbox)
	assert.Nil(t, deps.Processor)
	assert.Nil(t, deps.Cache)
	assert.NotNil(t, deps.Limiter)
	require.NotNil(t, deps.Scheduler)
	assert.False(t, deps.Classification.UseAI)

	// Catalog VIPs are seeded into the registry.
	vips, err := deps.VIP.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, vips)

	_, err = deps.RunTriage(ctx)
	assert.True(t, apperr.IsCode(err, apperr.CodeConfiguration))

	report, err := deps.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestNewDependencies_ClassifyAndEnqueue(t *testing.T) {
	ctx := context.Background()
	deps, cleanup, err := NewDependencies(ctx, testConfig())
	require.NoError(t, err)
	defer cleanup()

	email := domain.Email{
		ID:      "msg-1",
		From:    "alerts@security.example.com",
		Subject: "Security alert: new sign-in",
		Body:    "We noticed a new sign-in. Please review urgently.",
		Date:    time.Now(),
	}
	cls, err := deps.Engine.Classify(ctx, &domain.EmailContext{Email: email}, deps.Classification)
	require.NoError(t, err)
	assert.NotEmpty(t, cls.Priority)

	res, err := deps.Queue.AddItem(ctx, &followup.EnqueueCandidate{
		Email:        email,
		ManualReason: domain.ReasonManual,
	})
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	item, err := deps.Queue.Get(ctx, res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpActive, item.Status)
}

func TestNewDependencies_UsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	deps, cleanup, err := NewDependencies(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Redis)
	assert.NotNil(t, deps.Cache)
}

func TestNewDependencies_BadCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.CatalogPath = "does-not-exist.yaml"

	_, _, err := NewDependencies(context.Background(), cfg)
	assert.Error(t, err)
}
