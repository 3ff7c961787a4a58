// Package followup owns the follow-up queue: enqueue decisions, the item state
// machine, snooze scheduling and SLA tracking.
package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FeedbackRecorder is the part of the learning system the queue forwards feedback to.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, emailID string, classification *domain.ClassificationResult, feedback *domain.ClassificationFeedback) error
}

// QueueConfig tunes the queue manager.
type QueueConfig struct {
	// EscalateAfterActions escalates an item once its action count exceeds it.
	EscalateAfterActions int
	// MaxUpdateAttempts bounds retries on version conflicts.
	MaxUpdateAttempts int
	// QueueLabel is applied to emails when they enter the queue. Empty disables it.
	QueueLabel string
	SweepPageSize int
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		EscalateAfterActions: 5,
		MaxUpdateAttempts:    3,
		QueueLabel:           "follow-up",
		SweepPageSize:        200,
	}
}

// QueueDeps holds dependencies for creating a QueueManager.
type QueueDeps struct {
	Repo     domain.FollowUpRepository
	SLA      *SLATracker
	Learning FeedbackRecorder
	Notifier out.NotificationSink
	Logger   zerolog.Logger
}

// QueueManager is the follow-up state machine.
type QueueManager struct {
	repo     domain.FollowUpRepository
	sla      *SLATracker
	learning FeedbackRecorder
	notifier out.NotificationSink
	cfg      *QueueConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewQueueManager(deps *QueueDeps, cfg *QueueConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	sla := deps.SLA
	if sla == nil {
		sla = NewSLATracker(nil)
	}
	return &QueueManager{
		repo:     deps.Repo,
		sla:      sla,
		learning: deps.Learning,
		notifier: deps.Notifier,
		cfg:      cfg,
		log:      deps.Logger.With().Str("component", "queue").Logger(),
		now:      time.Now,
	}
}

// =============================================================================
// Enqueue
// =============================================================================

// EnqueueCandidate is an email offered to the queue.
type EnqueueCandidate struct {
	Email          domain.Email
	Classification *domain.ClassificationResult
	// ManualReason marks a user-requested follow-up.
	ManualReason domain.FollowUpReason
}

// EnqueueResult reports what AddItem did.
type EnqueueResult struct {
	ItemID   string
	Enqueued bool
	Created  bool
	// SkipReason explains Enqueued=false.
	SkipReason string
}

// AddItem creates a follow-up item when the classification warrants one.
// An open item for the same email is returned as-is.
func (q *QueueManager) AddItem(ctx context.Context, cand *EnqueueCandidate) (*EnqueueResult, error) {
	if cand == nil || cand.Email.ID == "" {
		return nil, apperr.InvalidInput("email_id", "email id is required")
	}
	if cand.ManualReason != "" && !cand.ManualReason.IsValid() {
		return nil, apperr.InvalidInput("reason", fmt.Sprintf("unknown reason %q", cand.ManualReason))
	}
	cls := cand.Classification
	if cls == nil && cand.ManualReason == "" {
		return nil, apperr.Validation("classification or manual reason is required")
	}

	if skip := skipReason(cand); skip != "" {
		return &EnqueueResult{SkipReason: skip}, nil
	}

	existing, err := q.repo.FindOpenByEmailID(ctx, cand.Email.ID)
	if err != nil {
		return nil, fmt.Errorf("find open item: %w", err)
	}
	if existing != nil {
		return &EnqueueResult{ItemID: existing.ID, Enqueued: true}, nil
	}

	item := q.newItem(cand)
	if err := q.repo.Create(ctx, item); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("create item: %w", err)
		}
		// Lost a race with a concurrent enqueue of the same email.
		existing, err := q.repo.FindOpenByEmailID(ctx, cand.Email.ID)
		if err != nil {
			return nil, fmt.Errorf("find open item: %w", err)
		}
		if existing == nil {
			return nil, apperr.Conflict("item vanished after duplicate insert").WithDetail("email_id", cand.Email.ID)
		}
		return &EnqueueResult{ItemID: existing.ID, Enqueued: true}, nil
	}

	q.log.Info().
		Str("item_id", item.ID).
		Str("email_id", item.EmailID).
		Str("priority", string(item.Priority)).
		Str("reason", string(item.Reason)).
		Time("sla_deadline", *item.SLADeadline).
		Msg("item enqueued")

	if q.cfg.QueueLabel != "" {
		q.applyLabel(ctx, item.EmailID, q.cfg.QueueLabel)
	}
	return &EnqueueResult{ItemID: item.ID, Enqueued: true, Created: true}, nil
}

// skipReason returns why a candidate stays out of the queue, or "" to enqueue.
func skipReason(cand *EnqueueCandidate) string {
	cls := cand.Classification
	if cls == nil {
		return ""
	}
	if cls.FeedbackRequired {
		return "classification needs feedback"
	}
	if cls.NeedsReply || cls.WaitingOnOthers || cls.IsVIP || cand.ManualReason != "" {
		return ""
	}
	return "no follow-up signal"
}

func (q *QueueManager) newItem(cand *EnqueueCandidate) *domain.FollowUpItem {
	now := q.now()
	item := &domain.FollowUpItem{
		ID:             uuid.NewString(),
		EmailID:        cand.Email.ID,
		ThreadID:       cand.Email.ThreadID,
		Subject:        cand.Email.Subject,
		From:           cand.Email.SenderAddress(),
		Priority:       domain.PriorityMedium,
		Reason:         chooseReason(cand),
		Status:         domain.FollowUpActive,
		AddedToQueueAt: now,
		SLAStatus:      domain.SLAOnTime,
		UpdatedAt:      now,
	}
	if cls := cand.Classification; cls != nil {
		item.Priority = cls.Priority
		item.Category = cls.Category
		item.Labels = append([]string(nil), cls.Labels...)
		if cls.VIPTier != nil {
			tier := *cls.VIPTier
			item.VIPTier = &tier
		}
	}
	deadline := q.sla.ComputeDeadline(item.Priority, item.VIPTier, now)
	item.SLADeadline = &deadline
	item.SLAStatus = q.sla.StatusFor(item, now)
	return item
}

func chooseReason(cand *EnqueueCandidate) domain.FollowUpReason {
	if cand.ManualReason != "" {
		return cand.ManualReason
	}
	cls := cand.Classification
	switch {
	case cls.IsVIP:
		return domain.ReasonVIPAttention
	case cls.NeedsReply && cls.Urgency >= 80:
		return domain.ReasonDeadlineApproaching
	case cls.NeedsReply:
		return domain.ReasonNeedsReply
	case cls.WaitingOnOthers:
		return domain.ReasonWaitingOnOthers
	default:
		return domain.ReasonPeriodicCheck
	}
}

// =============================================================================
// Reads
// =============================================================================

// Get returns an item, waking it first if its snooze has expired.
func (q *QueueManager) Get(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	return q.mutate(ctx, id, func(*domain.FollowUpItem, time.Time) (bool, error) {
		return false, nil
	})
}

// List returns matching items, waking any whose snooze has expired.
func (q *QueueManager) List(ctx context.Context, filter *domain.FollowUpFilter) ([]*domain.FollowUpItem, error) {
	items, err := q.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	now := q.now()
	for i, item := range items {
		if item.Status != domain.FollowUpSnoozed || item.SnoozedUntil == nil || now.Before(*item.SnoozedUntil) {
			continue
		}
		woken, err := q.Get(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		items[i] = woken
	}
	return items, nil
}

// =============================================================================
// Transitions
// =============================================================================

// Snooze hides an ACTIVE or WAITING item until the given time.
func (q *QueueManager) Snooze(ctx context.Context, id string, until time.Time) (*domain.FollowUpItem, error) {
	if !until.After(q.now()) {
		return nil, apperr.InvalidInput("until", "snooze time must be in the future")
	}
	return q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		if item.Status == domain.FollowUpSnoozed && item.SnoozedUntil != nil && item.SnoozedUntil.Equal(until) {
			return false, nil
		}
		return true, item.Snooze(until, now)
	})
}

// MarkWaiting parks an ACTIVE item while someone else acts.
func (q *QueueManager) MarkWaiting(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	return q.mutate(ctx, id, func(item *domain.FollowUpItem, _ time.Time) (bool, error) {
		if item.Status == domain.FollowUpWaiting {
			return false, nil
		}
		return true, item.MarkWaiting()
	})
}

// Resume returns a WAITING item to ACTIVE.
func (q *QueueManager) Resume(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	return q.mutate(ctx, id, func(item *domain.FollowUpItem, _ time.Time) (bool, error) {
		if item.Status == domain.FollowUpActive {
			return false, nil
		}
		return true, item.Resume()
	})
}

func (q *QueueManager) Complete(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	return q.close(ctx, id, domain.FollowUpCompleted)
}

func (q *QueueManager) Archive(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	return q.close(ctx, id, domain.FollowUpArchived)
}

func (q *QueueManager) close(ctx context.Context, id string, status domain.FollowUpStatus) (*domain.FollowUpItem, error) {
	return q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		if item.Status == status {
			return false, nil
		}
		return true, item.Close(status, now)
	})
}

// Escalate forces an open item to ESCALATED.
func (q *QueueManager) Escalate(ctx context.Context, id, why string) (*domain.FollowUpItem, error) {
	escalated := false
	item, err := q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		if item.Status == domain.FollowUpEscalated {
			return false, nil
		}
		escalated = true
		return true, item.Escalate(now)
	})
	if err == nil && escalated {
		q.notify(ctx, item, fmt.Sprintf("Escalated: %s (%s)", subjectOf(item), why))
	}
	return item, err
}

// RecordAction counts a user action and escalates past the configured threshold.
func (q *QueueManager) RecordAction(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	escalated := false
	item, err := q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		escalated = false
		if err := item.RecordAction(now); err != nil {
			return false, err
		}
		if item.ActionCount > q.cfg.EscalateAfterActions && item.Status != domain.FollowUpEscalated {
			escalated = true
			return true, item.Escalate(now)
		}
		return true, nil
	})
	if err == nil && escalated {
		q.notify(ctx, item, fmt.Sprintf("Escalated after %d actions: %s", item.ActionCount, subjectOf(item)))
	}
	return item, err
}

// UpdatePriority changes an open item's priority and recomputes its deadline.
// The SLA status is re-derived from scratch since the deadline moved.
func (q *QueueManager) UpdatePriority(ctx context.Context, id string, priority domain.Priority) (*domain.FollowUpItem, error) {
	if !priority.IsValid() {
		return nil, apperr.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
	}
	return q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		if item.Status.IsTerminal() {
			return false, apperr.Conflict("priority is frozen on closed items").WithDetail("id", item.ID)
		}
		if item.Priority == priority {
			return false, nil
		}
		q.reprioritize(item, priority, now)
		return true, nil
	})
}

func (q *QueueManager) reprioritize(item *domain.FollowUpItem, priority domain.Priority, now time.Time) {
	item.Priority = priority
	deadline := q.sla.ComputeDeadline(priority, item.VIPTier, item.AddedToQueueAt)
	item.SLADeadline = &deadline
	item.SLAStatus = q.sla.StatusFor(item, now)
}

// ApplyFeedback corrects an item's classification snapshot and forwards the
// feedback to the learning system. Closed items keep their snapshot.
func (q *QueueManager) ApplyFeedback(ctx context.Context, id string, fb *domain.ClassificationFeedback) (*domain.FollowUpItem, error) {
	if err := fb.Validate(); err != nil {
		return nil, err
	}
	var original *domain.ClassificationResult
	item, err := q.mutate(ctx, id, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		original = snapshotClassification(item)
		if item.Status.IsTerminal() {
			return false, nil
		}
		switch c := fb.Correction.(type) {
		case domain.PriorityCorrection:
			if c.Priority == item.Priority {
				return false, nil
			}
			q.reprioritize(item, c.Priority, now)
		case domain.CategoryCorrection:
			item.Category = c.Category
		case domain.LabelsCorrection:
			item.Labels = domain.MergeLabels(c.Labels, nil)
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if q.learning != nil {
		if err := q.learning.RecordFeedback(ctx, item.EmailID, original, fb); err != nil {
			return item, err
		}
	}
	return item, nil
}

func snapshotClassification(item *domain.FollowUpItem) *domain.ClassificationResult {
	cls := &domain.ClassificationResult{
		Priority: item.Priority,
		Category: item.Category,
		Labels:   append([]string(nil), item.Labels...),
		Method:   domain.MethodManual,
	}
	if item.VIPTier != nil {
		tier := *item.VIPTier
		cls.IsVIP = true
		cls.VIPTier = &tier
	}
	return cls
}

// =============================================================================
// Sweep
// =============================================================================

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Scanned   int
	Woken     int
	AtRisk    int
	Overdue   int
	Escalated int
	Failed    int
}

// Sweep re-evaluates every open item: wakes due snoozes, advances SLA status and
// escalates overdue SLA-related items. It stops early if ctx is cancelled.
func (q *QueueManager) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	filter := &domain.FollowUpFilter{Statuses: domain.OpenStatuses, Limit: q.cfg.SweepPageSize}

	for {
		items, err := q.repo.List(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("list open items: %w", err)
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			if err := q.sweepItem(ctx, item, report); err != nil {
				report.Failed++
				q.log.Warn().Err(err).Str("item_id", item.ID).Msg("sweep item failed")
			}
		}
		if len(items) < filter.Limit {
			break
		}
		filter.Offset += filter.Limit
	}

	q.log.Info().
		Int("scanned", report.Scanned).
		Int("woken", report.Woken).
		Int("at_risk", report.AtRisk).
		Int("overdue", report.Overdue).
		Int("escalated", report.Escalated).
		Msg("queue sweep finished")
	return report, nil
}

// sweepItem re-reads the listed item; mutate wakes due snoozes before the
// SLA checks run.
func (q *QueueManager) sweepItem(ctx context.Context, listed *domain.FollowUpItem, report *SweepReport) error {
	var nowAtRisk, nowOverdue, escalated bool
	item, err := q.mutate(ctx, listed.ID, func(item *domain.FollowUpItem, now time.Time) (bool, error) {
		nowAtRisk, nowOverdue, escalated = false, false, false
		if item.Status.IsTerminal() {
			return false, nil
		}
		changed := false
		next := Advance(item.SLAStatus, q.sla.StatusFor(item, now))
		if next != item.SLAStatus {
			nowAtRisk = next == domain.SLAAtRisk
			nowOverdue = next == domain.SLAOverdue
			item.SLAStatus = next
			changed = true
		}

		if item.SLAStatus == domain.SLAOverdue && item.Reason.IsSLARelated() && item.Status != domain.FollowUpEscalated {
			if err := item.Escalate(now); err != nil {
				return false, err
			}
			escalated = true
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if listed.Status == domain.FollowUpSnoozed && item.Status != domain.FollowUpSnoozed {
		report.Woken++
	}
	if nowAtRisk {
		report.AtRisk++
		q.notify(ctx, item, fmt.Sprintf("SLA at risk: %s (due %s)", subjectOf(item), item.SLADeadline.Format(time.RFC3339)))
	}
	if nowOverdue {
		report.Overdue++
	}
	if escalated {
		report.Escalated++
		q.notify(ctx, item, fmt.Sprintf("Escalated, SLA overdue: %s", subjectOf(item)))
	}
	return nil
}

// =============================================================================
// Internals
// =============================================================================

type mutation func(item *domain.FollowUpItem, now time.Time) (changed bool, err error)

// mutate loads the item, wakes it if due, applies fn and writes it back with an
// optimistic version check, retrying on conflicts.
func (q *QueueManager) mutate(ctx context.Context, id string, fn mutation) (*domain.FollowUpItem, error) {
	if id == "" {
		return nil, apperr.InvalidInput("id", "item id is required")
	}
	for attempt := 0; attempt < q.cfg.MaxUpdateAttempts; attempt++ {
		item, err := q.repo.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get item: %w", err)
		}
		if item == nil {
			return nil, apperr.NotFound("follow-up item").WithDetail("id", id)
		}

		now := q.now()
		woke := item.Wake(now)
		changed, err := fn(item, now)
		if err != nil {
			return nil, err
		}
		if !changed && !woke {
			return item, nil
		}

		item.UpdatedAt = now
		err = q.repo.Update(ctx, item)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("update item: %w", err)
		}
		q.log.Debug().Str("item_id", id).Int("attempt", attempt+1).Msg("version conflict, retrying")
	}
	return nil, apperr.Conflict("item was modified concurrently").WithDetail("id", id)
}

func (q *QueueManager) notify(ctx context.Context, item *domain.FollowUpItem, text string) {
	if q.notifier == nil || item == nil {
		return
	}
	if err := q.notifier.Notify(ctx, item.ID, text); err != nil {
		q.log.Warn().Err(err).Str("item_id", item.ID).Msg("notification failed")
	}
}

func (q *QueueManager) applyLabel(ctx context.Context, emailID, label string) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.ApplyLabel(ctx, emailID, label); err != nil {
		q.log.Warn().Err(err).Str("email_id", emailID).Msg("apply label failed")
	}
}

func subjectOf(item *domain.FollowUpItem) string {
	if item.Subject != "" {
		return item.Subject
	}
	return item.EmailID
}
