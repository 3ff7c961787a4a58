package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

type SnoozeAdviceRequest struct {
	EmailID  string
	Subject  string
	Priority domain.Priority
	Urgency  float64
	Now      time.Time
	Location *time.Location
}

type SnoozeAdvice struct {
	Time         time.Time
	UrgencyLevel domain.UrgencyLevel
}

// SnoozeAdvisor optionally proposes a wake-up time. ok=false defers to the built-in table.
type SnoozeAdvisor interface {
	SuggestSnooze(ctx context.Context, req *SnoozeAdviceRequest) (advice *SnoozeAdvice, ok bool, err error)
}
