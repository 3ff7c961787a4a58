package followup

import (
	"context"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time            { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type queueFixture struct {
	q       *QueueManager
	repo    *memRepo
	sink    *fakeSink
	learner *fakeLearner
	clock   *clock
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	f := &queueFixture{
		repo:    newMemRepo(),
		sink:    newFakeSink(),
		learner: &fakeLearner{},
		clock:   &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	f.q = NewQueueManager(&QueueDeps{
		Repo:     f.repo,
		Learning: f.learner,
		Notifier: f.sink,
		Logger:   zerolog.Nop(),
	}, nil)
	f.q.now = f.clock.now
	return f
}

func (f *queueFixture) enqueue(t *testing.T, emailID string, cls *domain.ClassificationResult) string {
	t.Helper()
	res, err := f.q.AddItem(context.Background(), &EnqueueCandidate{
		Email:          domain.Email{ID: emailID, ThreadID: "t-" + emailID, Subject: "Subject " + emailID, From: "Ann <ann@example.com>"},
		Classification: cls,
	})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	return res.ItemID
}

func needsReply(p domain.Priority) *domain.ClassificationResult {
	return &domain.ClassificationResult{Priority: p, Category: "work", NeedsReply: true, Urgency: 40}
}

func TestAddItem_IsIdempotentPerEmail(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	first, err := f.q.AddItem(ctx, &EnqueueCandidate{Email: domain.Email{ID: "e1"}, Classification: needsReply(domain.PriorityHigh)})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := f.q.AddItem(ctx, &EnqueueCandidate{Email: domain.Email{ID: "e1"}, Classification: needsReply(domain.PriorityHigh)})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ItemID, second.ItemID)

	items, err := f.q.List(ctx, &domain.FollowUpFilter{EmailID: "e1"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, []string{"follow-up"}, f.sink.labels["e1"])
}

func TestAddItem_ReEnqueueAfterClose(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	id := f.enqueue(t, "e1", needsReply(domain.PriorityMedium))
	_, err := f.q.Complete(ctx, id)
	require.NoError(t, err)

	again := f.enqueue(t, "e1", needsReply(domain.PriorityMedium))
	assert.NotEqual(t, id, again)
}

func TestAddItem_Eligibility(t *testing.T) {
	tier := domain.VIPTier2
	tests := []struct {
		name       string
		cls        *domain.ClassificationResult
		manual     domain.FollowUpReason
		enqueued   bool
		wantReason domain.FollowUpReason
	}{
		{"needs reply", needsReply(domain.PriorityMedium), "", true, domain.ReasonNeedsReply},
		{"urgent reply", &domain.ClassificationResult{Priority: domain.PriorityHigh, NeedsReply: true, Urgency: 85}, "", true, domain.ReasonDeadlineApproaching},
		{"waiting", &domain.ClassificationResult{Priority: domain.PriorityLow, WaitingOnOthers: true}, "", true, domain.ReasonWaitingOnOthers},
		{"vip", &domain.ClassificationResult{Priority: domain.PriorityHigh, IsVIP: true, VIPTier: &tier}, "", true, domain.ReasonVIPAttention},
		{"manual without classification", nil, domain.ReasonManual, true, domain.ReasonManual},
		{"no signal", &domain.ClassificationResult{Priority: domain.PriorityLow}, "", false, ""},
		{"needs feedback", &domain.ClassificationResult{Priority: domain.PriorityHigh, NeedsReply: true, FeedbackRequired: true}, "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newQueueFixture(t)
			res, err := f.q.AddItem(context.Background(), &EnqueueCandidate{
				Email:          domain.Email{ID: "e1"},
				Classification: tt.cls,
				ManualReason:   tt.manual,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.enqueued, res.Enqueued)
			if !tt.enqueued {
				assert.NotEmpty(t, res.SkipReason)
				return
			}
			item, err := f.q.Get(context.Background(), res.ItemID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReason, item.Reason)
			assert.Equal(t, domain.FollowUpActive, item.Status)
		})
	}
}

func TestAddItem_RejectsInvalidInput(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_, err := f.q.AddItem(ctx, &EnqueueCandidate{})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	_, err = f.q.AddItem(ctx, &EnqueueCandidate{Email: domain.Email{ID: "e1"}})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestSLA_Tier1CriticalThroughSweep(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	tier := domain.VIPTier1
	start := f.clock.t

	id := f.enqueue(t, "ceo", &domain.ClassificationResult{Priority: domain.PriorityCritical, IsVIP: true, VIPTier: &tier})
	item, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), *item.SLADeadline)
	assert.Equal(t, domain.SLAOnTime, item.SLAStatus)

	f.clock.t = start.Add(55 * time.Minute)
	report, err := f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AtRisk)
	item, _ = f.q.Get(ctx, id)
	assert.Equal(t, domain.SLAAtRisk, item.SLAStatus)

	f.clock.t = start.Add(61 * time.Minute)
	report, err = f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1, report.Escalated)

	item, _ = f.q.Get(ctx, id)
	assert.Equal(t, domain.SLAOverdue, item.SLAStatus)
	assert.Equal(t, domain.FollowUpEscalated, item.Status)
	assert.Len(t, f.sink.notices, 2)
}

func TestSweep_StatusNeverRegresses(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	start := f.clock.t
	id := f.enqueue(t, "e1", needsReply(domain.PriorityCritical))

	f.clock.t = start.Add(3 * time.Hour)
	_, err := f.q.Sweep(ctx)
	require.NoError(t, err)

	// A clock step backwards must not undo OVERDUE.
	f.clock.t = start.Add(10 * time.Minute)
	_, err = f.q.Sweep(ctx)
	require.NoError(t, err)

	item, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SLAOverdue, item.SLAStatus)
}

func TestSweep_WaitingItemsAreNotEscalated(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", &domain.ClassificationResult{Priority: domain.PriorityHigh, WaitingOnOthers: true})

	f.clock.advance(9 * time.Hour)
	report, err := f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Overdue)
	assert.Zero(t, report.Escalated)

	item, _ := f.q.Get(ctx, id)
	assert.Equal(t, domain.FollowUpActive, item.Status)
}

func TestSweep_WakesDueSnoozes(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	_, err := f.q.Snooze(ctx, id, f.clock.t.Add(time.Hour))
	require.NoError(t, err)

	f.clock.advance(2 * time.Hour)
	report, err := f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Woken)

	item, _ := f.q.Get(ctx, id)
	assert.Equal(t, domain.FollowUpActive, item.Status)
	assert.Nil(t, item.SnoozedUntil)
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.q.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnooze_Validation(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityMedium))

	_, err := f.q.Snooze(ctx, id, f.clock.t.Add(-time.Minute))
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	_, err = f.q.Snooze(ctx, id, f.clock.t)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	until := f.clock.t.Add(time.Hour)
	item, err := f.q.Snooze(ctx, id, until)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpSnoozed, item.Status)
	assert.Equal(t, 1, item.SnoozeCount)

	item, err = f.q.Snooze(ctx, id, until)
	require.NoError(t, err)
	assert.Equal(t, 1, item.SnoozeCount)

	_, err = f.q.Snooze(ctx, "missing", until)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestGet_WakesExpiredSnooze(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityMedium))

	_, err := f.q.Snooze(ctx, id, f.clock.t.Add(30*time.Minute))
	require.NoError(t, err)

	f.clock.advance(31 * time.Minute)
	items, err := f.q.List(ctx, &domain.FollowUpFilter{Statuses: []domain.FollowUpStatus{domain.FollowUpSnoozed}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.FollowUpActive, items[0].Status)

	stored, _ := f.repo.GetByID(ctx, id)
	assert.Equal(t, domain.FollowUpActive, stored.Status)
}

func TestTransitions(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityMedium))

	item, err := f.q.MarkWaiting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpWaiting, item.Status)

	item, err = f.q.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpActive, item.Status)

	item, err = f.q.Escalate(ctx, id, "manager asked")
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpEscalated, item.Status)
	assert.NotNil(t, item.EscalatedAt)

	_, err = f.q.Snooze(ctx, id, f.clock.t.Add(time.Hour))
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))

	item, err = f.q.Archive(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpArchived, item.Status)

	_, err = f.q.Archive(ctx, id)
	assert.NoError(t, err)

	_, err = f.q.Complete(ctx, id)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))

	_, err = f.q.UpdatePriority(ctx, id, domain.PriorityHigh)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestRecordAction_EscalatesPastThreshold(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	var item *domain.FollowUpItem
	var err error
	for i := 0; i < 5; i++ {
		item, err = f.q.RecordAction(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.FollowUpActive, item.Status)

	item, err = f.q.RecordAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 6, item.ActionCount)
	assert.Equal(t, domain.FollowUpEscalated, item.Status)
}

func TestUpdatePriority_RecomputesDeadline(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	start := f.clock.t
	id := f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	f.clock.advance(7 * time.Hour)
	item, err := f.q.UpdatePriority(ctx, id, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, start.Add(8*time.Hour), *item.SLADeadline)
	assert.Equal(t, domain.SLAAtRisk, item.SLAStatus)

	_, err = f.q.UpdatePriority(ctx, id, domain.Priority("URGENT"))
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestMutate_RetriesVersionConflicts(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	f.repo.conflicts = 2
	item, err := f.q.MarkWaiting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowUpWaiting, item.Status)

	f.repo.conflicts = 3
	_, err = f.q.Resume(ctx, id)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestApplyFeedback_UpdatesSnapshotAndLearner(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, "e1", needsReply(domain.PriorityLow))

	fb := &domain.ClassificationFeedback{
		ID:         "fb-1",
		Type:       domain.FeedbackWrongPriority,
		Correction: domain.PriorityCorrection{Priority: domain.PriorityHigh},
	}
	item, err := f.q.ApplyFeedback(ctx, id, fb)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, item.Priority)

	require.Len(t, f.learner.calls, 1)
	call := f.learner.calls[0]
	assert.Equal(t, "e1", call.emailID)
	assert.Equal(t, domain.PriorityLow, call.classification.Priority)

	_, err = f.q.ApplyFeedback(ctx, id, &domain.ClassificationFeedback{Type: domain.FeedbackWrongPriority})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}
