package followup

import (
	"testing"
	"time"

	"triage_server/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestSLATracker_Windows(t *testing.T) {
	tracker := NewSLATracker(nil)
	tier1, tier2 := domain.VIPTier1, domain.VIPTier2

	tests := []struct {
		priority domain.Priority
		tier     *domain.VIPTier
		want     time.Duration
	}{
		{domain.PriorityCritical, nil, 2 * time.Hour},
		{domain.PriorityHigh, nil, 8 * time.Hour},
		{domain.PriorityMedium, nil, 24 * time.Hour},
		{domain.PriorityLow, nil, 72 * time.Hour},
		{domain.PriorityCritical, &tier1, time.Hour},
		{domain.PriorityHigh, &tier1, 4 * time.Hour},
		{domain.PriorityHigh, &tier2, 8 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.Window(tt.priority, tt.tier))
		})
	}
}

func TestSLATracker_Tier1CriticalTimeline(t *testing.T) {
	tracker := NewSLATracker(nil)
	tier1 := domain.VIPTier1
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	deadline := tracker.ComputeDeadline(domain.PriorityCritical, &tier1, start)
	assert.Equal(t, start.Add(time.Hour), deadline)

	item := &domain.FollowUpItem{Priority: domain.PriorityCritical, VIPTier: &tier1, SLADeadline: &deadline}
	assert.Equal(t, domain.SLAOnTime, tracker.StatusFor(item, start.Add(10*time.Minute)))
	assert.Equal(t, domain.SLAAtRisk, tracker.StatusFor(item, start.Add(55*time.Minute)))
	assert.Equal(t, domain.SLAAtRisk, tracker.StatusFor(item, deadline))
	assert.Equal(t, domain.SLAOverdue, tracker.StatusFor(item, start.Add(61*time.Minute)))
}

func TestAdvance_IsMonotonic(t *testing.T) {
	assert.Equal(t, domain.SLAAtRisk, Advance(domain.SLAOnTime, domain.SLAAtRisk))
	assert.Equal(t, domain.SLAOverdue, Advance(domain.SLAAtRisk, domain.SLAOverdue))
	assert.Equal(t, domain.SLAOverdue, Advance(domain.SLAOverdue, domain.SLAOnTime))
	assert.Equal(t, domain.SLAAtRisk, Advance(domain.SLAAtRisk, domain.SLAOnTime))
}
