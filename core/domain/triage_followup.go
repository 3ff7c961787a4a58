package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triage_server/pkg/apperr"
)

// Repository errors shared by every store implementation.
var (
	ErrDuplicate       = errors.New("duplicate entry")
	ErrVersionConflict = errors.New("version conflict")
)

// FollowUpStatus is the queue state of an item.
type FollowUpStatus string

const (
	FollowUpActive    FollowUpStatus = "ACTIVE"
	FollowUpSnoozed   FollowUpStatus = "SNOOZED"
	FollowUpWaiting   FollowUpStatus = "WAITING"
	FollowUpCompleted FollowUpStatus = "COMPLETED"
	FollowUpArchived  FollowUpStatus = "ARCHIVED"
	FollowUpEscalated FollowUpStatus = "ESCALATED"
)

// IsTerminal is true for COMPLETED and ARCHIVED.
func (s FollowUpStatus) IsTerminal() bool {
	return s == FollowUpCompleted || s == FollowUpArchived
}

// OpenStatuses are every non-terminal state.
var OpenStatuses = []FollowUpStatus{FollowUpActive, FollowUpSnoozed, FollowUpWaiting, FollowUpEscalated}

// FollowUpReason explains why an item is tracked.
type FollowUpReason string

const (
	ReasonNeedsReply          FollowUpReason = "NEEDS_REPLY"
	ReasonWaitingOnOthers     FollowUpReason = "WAITING_ON_OTHERS"
	ReasonDeadlineApproaching FollowUpReason = "DEADLINE_APPROACHING"
	ReasonVIPAttention        FollowUpReason = "VIP_REQUIRES_ATTENTION"
	ReasonManual              FollowUpReason = "MANUAL_FOLLOW_UP"
	ReasonSLAAtRisk           FollowUpReason = "SLA_AT_RISK"
	ReasonPeriodicCheck       FollowUpReason = "PERIODIC_CHECK"
)

func (r FollowUpReason) IsValid() bool {
	switch r {
	case ReasonNeedsReply, ReasonWaitingOnOthers, ReasonDeadlineApproaching, ReasonVIPAttention,
		ReasonManual, ReasonSLAAtRisk, ReasonPeriodicCheck:
		return true
	}
	return false
}

// IsSLARelated reports whether an overdue SLA should escalate items with this reason.
// Items waiting on other people or tracked manually are not owed by the user.
func (r FollowUpReason) IsSLARelated() bool {
	switch r {
	case ReasonNeedsReply, ReasonDeadlineApproaching, ReasonVIPAttention, ReasonSLAAtRisk:
		return true
	}
	return false
}

// SLAStatus is ordered ON_TIME < AT_RISK < OVERDUE.
type SLAStatus string

const (
	SLAOnTime  SLAStatus = "ON_TIME"
	SLAAtRisk  SLAStatus = "AT_RISK"
	SLAOverdue SLAStatus = "OVERDUE"
)

func (s SLAStatus) Rank() int {
	switch s {
	case SLAAtRisk:
		return 1
	case SLAOverdue:
		return 2
	default:
		return 0
	}
}

// FollowUpItem is the queue entity. Items are archived, never deleted.
type FollowUpItem struct {
	ID       string `json:"id"`
	EmailID  string `json:"email_id"`
	ThreadID string `json:"thread_id"`
	Subject  string `json:"subject,omitempty"`
	From     string `json:"from,omitempty"`

	// Classification snapshot
	Priority Priority `json:"priority"`
	Category string   `json:"category"`
	Labels   []string `json:"labels"`
	VIPTier  *VIPTier `json:"vip_tier,omitempty"`

	Reason         FollowUpReason `json:"reason"`
	Status         FollowUpStatus `json:"status"`
	AddedToQueueAt time.Time      `json:"added_to_queue_at"`
	SnoozedUntil   *time.Time     `json:"snoozed_until,omitempty"`
	LastActionDate *time.Time     `json:"last_action_date,omitempty"`
	SLADeadline    *time.Time     `json:"sla_deadline,omitempty"`
	SLAStatus      SLAStatus      `json:"sla_status"`
	ActionCount    int            `json:"action_count"`
	SnoozeCount    int            `json:"snooze_count"`
	EscalatedAt    *time.Time     `json:"escalated_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i *FollowUpItem) IsOpen() bool {
	return !i.Status.IsTerminal()
}

func transitionError(i *FollowUpItem, op string) error {
	return apperr.Conflict(fmt.Sprintf("cannot %s item in state %s", op, i.Status)).
		WithDetail("id", i.ID).
		WithDetail("status", string(i.Status))
}

// Snooze moves ACTIVE or WAITING to SNOOZED. until must be after now.
func (i *FollowUpItem) Snooze(until, now time.Time) error {
	if !until.After(now) {
		return apperr.InvalidInput("until", "snooze time must be in the future")
	}
	if i.Status != FollowUpActive && i.Status != FollowUpWaiting {
		return transitionError(i, "snooze")
	}
	u := until
	i.Status = FollowUpSnoozed
	i.SnoozedUntil = &u
	i.SnoozeCount++
	return nil
}

// Wake returns a due SNOOZED item to ACTIVE. It reports whether anything changed.
func (i *FollowUpItem) Wake(now time.Time) bool {
	if i.Status != FollowUpSnoozed || i.SnoozedUntil == nil || now.Before(*i.SnoozedUntil) {
		return false
	}
	i.Status = FollowUpActive
	i.SnoozedUntil = nil
	return true
}

// MarkWaiting moves ACTIVE to WAITING.
func (i *FollowUpItem) MarkWaiting() error {
	if i.Status != FollowUpActive {
		return transitionError(i, "mark waiting")
	}
	i.Status = FollowUpWaiting
	return nil
}

// Resume moves WAITING back to ACTIVE.
func (i *FollowUpItem) Resume() error {
	if i.Status != FollowUpWaiting {
		return transitionError(i, "resume")
	}
	i.Status = FollowUpActive
	return nil
}

// Escalate moves any open state except ESCALATED itself to ESCALATED.
func (i *FollowUpItem) Escalate(now time.Time) error {
	if i.Status.IsTerminal() {
		return transitionError(i, "escalate")
	}
	if i.Status == FollowUpEscalated {
		return nil
	}
	i.Status = FollowUpEscalated
	i.SnoozedUntil = nil
	t := now
	i.EscalatedAt = &t
	return nil
}

// Close moves an open item to COMPLETED or ARCHIVED. Closing twice into the same
// state is a no-op; SLA status and priority are frozen from here on.
func (i *FollowUpItem) Close(status FollowUpStatus, now time.Time) error {
	if !status.IsTerminal() {
		return apperr.InvalidInput("status", fmt.Sprintf("%s is not terminal", status))
	}
	if i.Status == status {
		return nil
	}
	if i.Status.IsTerminal() {
		return transitionError(i, "close")
	}
	i.Status = status
	i.SnoozedUntil = nil
	t := now
	i.ClosedAt = &t
	return nil
}

// RecordAction bumps the action counter.
func (i *FollowUpItem) RecordAction(now time.Time) error {
	if i.Status.IsTerminal() {
		return transitionError(i, "record action on")
	}
	t := now
	i.ActionCount++
	i.LastActionDate = &t
	return nil
}

// FollowUpFilter narrows List.
type FollowUpFilter struct {
	Statuses []FollowUpStatus
	EmailID  string
	Limit    int
	Offset   int
}

// FollowUpRepository persists queue items with optimistic versioning.
type FollowUpRepository interface {
	// Create returns ErrDuplicate when an open item for the same email exists.
	Create(ctx context.Context, item *FollowUpItem) error
	// GetByID returns nil, nil when missing.
	GetByID(ctx context.Context, id string) (*FollowUpItem, error)
	FindOpenByEmailID(ctx context.Context, emailID string) (*FollowUpItem, error)
	List(ctx context.Context, filter *FollowUpFilter) ([]*FollowUpItem, error)
	// Update writes item if its Version still matches the stored one, then bumps
	// item.Version. A stale version returns ErrVersionConflict.
	Update(ctx context.Context, item *FollowUpItem) error
}
