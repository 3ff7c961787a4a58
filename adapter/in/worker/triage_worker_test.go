package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage_server/core/domain"
	"triage_server/core/service/followup"
	"triage_server/pkg/apperr"
)

type fakeMailbox struct {
	emails []domain.Email
	err    error
	query  string
	limit  int
}

func (f *fakeMailbox) Fetch(_ context.Context, query string, limit int) ([]domain.Email, error) {
	f.query, f.limit = query, limit
	return f.emails, f.err
}

type fakeClassifier struct {
	results map[string]*domain.ClassificationResult
	errs    map[string]error
	onCall  func()
	calls   int
}

func (f *fakeClassifier) Classify(_ context.Context, ec *domain.EmailContext, _ *domain.ClassificationConfig) (*domain.ClassificationResult, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if err := f.errs[ec.Email.ID]; err != nil {
		return nil, err
	}
	if r, ok := f.results[ec.Email.ID]; ok {
		return r, nil
	}
	return &domain.ClassificationResult{Priority: domain.PriorityLow, Confidence: 0.9}, nil
}

type fakeQueue struct {
	enqueue map[string]bool
	seen    []string
	snoozed map[string]time.Time
}

func (f *fakeQueue) Snooze(_ context.Context, id string, until time.Time) (*domain.FollowUpItem, error) {
	if f.snoozed == nil {
		f.snoozed = make(map[string]time.Time)
	}
	f.snoozed[id] = until
	return &domain.FollowUpItem{ID: id, Status: domain.FollowUpSnoozed, SnoozedUntil: &until}, nil
}

func (f *fakeQueue) AddItem(_ context.Context, cand *followup.EnqueueCandidate) (*followup.EnqueueResult, error) {
	f.seen = append(f.seen, cand.Email.ID)
	if f.enqueue[cand.Email.ID] {
		return &followup.EnqueueResult{ItemID: "item-" + cand.Email.ID, Enqueued: true, Created: true}, nil
	}
	return &followup.EnqueueResult{SkipReason: "no follow-up signal"}, nil
}

type fakeLabeler struct {
	applied []string
}

func (f *fakeLabeler) ApplyLabel(_ context.Context, emailID, label string) error {
	f.applied = append(f.applied, emailID+"="+label)
	return nil
}

func emails(ids ...string) []domain.Email {
	out := make([]domain.Email, len(ids))
	for i, id := range ids {
		out[i] = domain.Email{ID: id, Subject: "subject " + id, From: id + "@example.com"}
	}
	return out
}

func newTestProcessor(mb *fakeMailbox, cls *fakeClassifier, q *fakeQueue, lb *fakeLabeler) *Processor {
	return NewProcessor(&ProcessorDeps{
		Mailbox:    mb,
		Classifier: cls,
		Queue:      q,
		Labeler:    lb,
		Logger:     zerolog.Nop(),
	}, ProcessorConfig{Query: "in:inbox", BatchSize: 25})
}

func TestProcessor_Run(t *testing.T) {
	mb := &fakeMailbox{emails: emails("a", "b", "c", "d")}
	cls := &fakeClassifier{
		results: map[string]*domain.ClassificationResult{
			"a": {
				Priority:   domain.PriorityHigh,
				NeedsReply: true,
				SuggestedActions: []domain.Action{
					{Type: domain.ActionLabel, Value: "finance", AutoExecute: true},
					{Type: domain.ActionLabel, Value: "maybe", AutoExecute: false},
					{Type: domain.ActionArchive, AutoExecute: true},
				},
			},
			"b": {Priority: domain.PriorityMedium, Degraded: true},
		},
		errs: map[string]error{"c": apperr.API("openai", errors.New("502"))},
	}
	q := &fakeQueue{enqueue: map[string]bool{"a": true}}
	lb := &fakeLabeler{}
	p := newTestProcessor(mb, cls, q, lb)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "in:inbox", mb.query)
	assert.Equal(t, 25, mb.limit)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Degraded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.AutoLabeled)
	assert.Equal(t, []string{"a=finance"}, lb.applied)
	assert.Equal(t, []string{"a", "b", "d"}, q.seen)
}

func TestProcessor_PermissionAbortsBatch(t *testing.T) {
	mb := &fakeMailbox{emails: emails("a", "b", "c")}
	cls := &fakeClassifier{errs: map[string]error{"b": apperr.Permission("openai", errors.New("401"))}}
	q := &fakeQueue{}
	p := newTestProcessor(mb, cls, q, nil)

	report, err := p.Run(context.Background())
	assert.True(t, apperr.IsCode(err, apperr.CodePermission))
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, cls.calls)
}

func TestProcessor_CancelledBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := &fakeMailbox{emails: emails("a", "b", "c")}
	cls := &fakeClassifier{onCall: cancel}
	q := &fakeQueue{}
	p := newTestProcessor(mb, cls, q, nil)

	report, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, cls.calls)
	assert.Less(t, report.Processed+report.Failed, 3)
}

func TestProcessor_FetchError(t *testing.T) {
	mb := &fakeMailbox{err: apperr.Quota("gmail", errors.New("429"))}
	p := newTestProcessor(mb, &fakeClassifier{}, &fakeQueue{}, nil)

	report, err := p.Run(context.Background())
	assert.True(t, apperr.IsCode(err, apperr.CodeQuota))
	assert.Zero(t, report.Fetched)
}

type countingSweeper struct{ runs atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) (*followup.SweepReport, error) {
	c.runs.Add(1)
	return &followup.SweepReport{}, nil
}

type countingBatch struct{ runs atomic.Int32 }

func (c *countingBatch) Run(context.Context) (*BatchReport, error) {
	c.runs.Add(1)
	return &BatchReport{}, nil
}

func TestProcessor_AutoSnooze(t *testing.T) {
	mb := &fakeMailbox{emails: emails("a", "b")}
	snoozeAction := domain.Action{Type: domain.ActionSnooze, AutoExecute: true}
	cls := &fakeClassifier{
		results: map[string]*domain.ClassificationResult{
			"a": {Priority: domain.PriorityLow, SuggestedActions: []domain.Action{snoozeAction}},
			"b": {Priority: domain.PriorityLow, SuggestedActions: []domain.Action{{Type: domain.ActionSnooze}}},
		},
	}
	q := &fakeQueue{enqueue: map[string]bool{"a": true, "b": true}}
	p := NewProcessor(&ProcessorDeps{
		Mailbox:    mb,
		Classifier: cls,
		Queue:      q,
		Snoozer:    followup.NewSnoozeEngine(nil, nil, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	}, ProcessorConfig{WorkingHours: domain.DefaultWorkingHours()})

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Snoozed)
	require.Contains(t, q.snoozed, "item-a")
	assert.NotContains(t, q.snoozed, "item-b")
	assert.True(t, q.snoozed["item-a"].After(time.Now()))
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(&countingBatch{}, &countingSweeper{}, SchedulerConfig{TriageSchedule: "often"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	batch := &countingBatch{}
	sweeper := &countingSweeper{}
	s, err := NewScheduler(batch, sweeper, SchedulerConfig{
		TriageSchedule: "@every 1s",
		SweepSchedule:  "@every 1s",
	}, zerolog.Nop())
	require.NoError(t, err)

	s.RunBatch()
	s.RunSweep()
	assert.EqualValues(t, 1, batch.runs.Load())
	assert.EqualValues(t, 1, sweeper.runs.Load())

	s.Start()
	assert.Eventually(t, func() bool {
		return batch.runs.Load() >= 2 && sweeper.runs.Load() >= 2
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
