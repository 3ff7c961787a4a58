package followup

import (
	"time"

	"triage_server/core/domain"
)

// SLAConfig holds the response windows.
type SLAConfig struct {
	Windows map[domain.Priority]time.Duration
	// Tier1Factor scales the window for tier-1 VIP senders.
	Tier1Factor float64
	// AtRiskFraction of the window remaining flips ON_TIME to AT_RISK.
	AtRiskFraction float64
}

func DefaultSLAConfig() *SLAConfig {
	return &SLAConfig{
		Windows: map[domain.Priority]time.Duration{
			domain.PriorityCritical: 2 * time.Hour,
			domain.PriorityHigh:     8 * time.Hour,
			domain.PriorityMedium:   24 * time.Hour,
			domain.PriorityLow:      72 * time.Hour,
		},
		Tier1Factor:    0.5,
		AtRiskFraction: 0.2,
	}
}

// SLATracker computes deadlines and deadline status.
type SLATracker struct {
	cfg *SLAConfig
}

func NewSLATracker(cfg *SLAConfig) *SLATracker {
	if cfg == nil {
		cfg = DefaultSLAConfig()
	}
	return &SLATracker{cfg: cfg}
}

// Window returns the response window for a priority and optional VIP tier.
func (t *SLATracker) Window(priority domain.Priority, tier *domain.VIPTier) time.Duration {
	w, ok := t.cfg.Windows[priority]
	if !ok {
		w = t.cfg.Windows[domain.PriorityMedium]
	}
	if tier != nil && *tier == domain.VIPTier1 && t.cfg.Tier1Factor > 0 {
		w = time.Duration(float64(w) * t.cfg.Tier1Factor)
	}
	return w
}

func (t *SLATracker) ComputeDeadline(priority domain.Priority, tier *domain.VIPTier, createdAt time.Time) time.Time {
	return createdAt.Add(t.Window(priority, tier))
}

// Status is OVERDUE past the deadline, AT_RISK once the remaining time is at most
// AtRiskFraction of the window, ON_TIME otherwise.
func (t *SLATracker) Status(deadline time.Time, window time.Duration, now time.Time) domain.SLAStatus {
	if now.After(deadline) {
		return domain.SLAOverdue
	}
	remaining := deadline.Sub(now)
	if remaining <= time.Duration(float64(window)*t.cfg.AtRiskFraction) {
		return domain.SLAAtRisk
	}
	return domain.SLAOnTime
}

// StatusFor evaluates an item's deadline. Items without one are ON_TIME.
func (t *SLATracker) StatusFor(item *domain.FollowUpItem, now time.Time) domain.SLAStatus {
	if item.SLADeadline == nil {
		return domain.SLAOnTime
	}
	return t.Status(*item.SLADeadline, t.Window(item.Priority, item.VIPTier), now)
}

// Advance never lets a status move backward for the same deadline.
func Advance(prev, next domain.SLAStatus) domain.SLAStatus {
	if next.Rank() < prev.Rank() {
		return prev
	}
	return next
}
