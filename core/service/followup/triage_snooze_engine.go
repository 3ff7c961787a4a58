package followup

import (
	"context"
	"sort"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"github.com/rs/zerolog"
)

// SnoozePolicy is the fallback timing table.
type SnoozePolicy struct {
	ImmediateOffset time.Duration
	// TodayLead is added to now before snapping to the next half hour.
	TodayLead        time.Duration
	ThisWeekBusiness int
	WakeHour         int
	LaterOffset      time.Duration
	// UrgentScore at or above which a HIGH-ish email counts as TODAY.
	UrgentScore float64
}

func DefaultSnoozePolicy() *SnoozePolicy {
	return &SnoozePolicy{
		ImmediateOffset:  time.Hour,
		TodayLead:        2 * time.Hour,
		ThisWeekBusiness: 2,
		WakeHour:         9,
		LaterOffset:      30 * 24 * time.Hour,
		UrgentScore:      70,
	}
}

// SnoozeEngine suggests wake-up times.
type SnoozeEngine struct {
	policy  *SnoozePolicy
	advisor out.SnoozeAdvisor
	log     zerolog.Logger
	now     func() time.Time
}

// NewSnoozeEngine builds an engine. advisor may be nil.
func NewSnoozeEngine(policy *SnoozePolicy, advisor out.SnoozeAdvisor, log zerolog.Logger) *SnoozeEngine {
	if policy == nil {
		policy = DefaultSnoozePolicy()
	}
	return &SnoozeEngine{
		policy:  policy,
		advisor: advisor,
		log:     log.With().Str("component", "snooze").Logger(),
		now:     time.Now,
	}
}

// Suggest proposes a wake-up time in the user's timezone, inside working hours when given.
func (e *SnoozeEngine) Suggest(ctx context.Context, email *domain.Email, cls *domain.ClassificationResult, loc *time.Location, wh *domain.WorkingHours) (*domain.SnoozeSuggestion, error) {
	if loc == nil {
		loc = time.UTC
	}
	now := e.now().In(loc)
	level := e.UrgencyLevelFor(cls)

	suggestion := &domain.SnoozeSuggestion{UrgencyLevel: level, Source: "policy"}
	suggestion.SuggestedTime = e.TimeFor(level, now, wh)

	if e.advisor != nil && email != nil {
		if advice := e.askAdvisor(ctx, email, cls, now, loc); advice != nil {
			t := rollForward(advice.Time.In(loc), wh)
			if t.After(now) {
				suggestion.SuggestedTime = t
				suggestion.Source = "advisor"
				if advice.UrgencyLevel != "" {
					suggestion.UrgencyLevel = advice.UrgencyLevel
				}
			}
		}
	}

	seen := map[int64]struct{}{suggestion.SuggestedTime.Unix(): {}}
	for _, l := range domain.UrgencyLevels {
		t := e.TimeFor(l, now, wh)
		if _, dup := seen[t.Unix()]; dup {
			continue
		}
		seen[t.Unix()] = struct{}{}
		suggestion.AlternativeTimes = append(suggestion.AlternativeTimes, t)
	}
	sort.Slice(suggestion.AlternativeTimes, func(i, j int) bool {
		return suggestion.AlternativeTimes[i].Before(suggestion.AlternativeTimes[j])
	})
	return suggestion, nil
}

func (e *SnoozeEngine) askAdvisor(ctx context.Context, email *domain.Email, cls *domain.ClassificationResult, now time.Time, loc *time.Location) *out.SnoozeAdvice {
	req := &out.SnoozeAdviceRequest{
		EmailID:  email.ID,
		Subject:  email.Subject,
		Now:      now,
		Location: loc,
	}
	if cls != nil {
		req.Priority = cls.Priority
		req.Urgency = cls.Urgency
	}
	advice, ok, err := e.advisor.SuggestSnooze(ctx, req)
	if err != nil {
		e.log.Warn().Err(err).Str("email_id", email.ID).Msg("snooze advisor failed, using policy")
		return nil
	}
	if !ok || advice == nil {
		return nil
	}
	return advice
}

// UrgencyLevelFor buckets a classification.
func (e *SnoozeEngine) UrgencyLevelFor(cls *domain.ClassificationResult) domain.UrgencyLevel {
	if cls == nil {
		return domain.UrgencyThisWeek
	}
	switch {
	case cls.Priority == domain.PriorityCritical:
		return domain.UrgencyImmediate
	case cls.Priority == domain.PriorityHigh || cls.Urgency >= e.policy.UrgentScore:
		return domain.UrgencyToday
	case (cls.IsNewsletter || cls.IsAutomated) && !cls.NeedsReply:
		return domain.UrgencyLater
	case cls.Priority == domain.PriorityMedium:
		return domain.UrgencyThisWeek
	default:
		return domain.UrgencyNextWeek
	}
}

// TimeFor applies the policy table, then rolls into working hours.
func (e *SnoozeEngine) TimeFor(level domain.UrgencyLevel, now time.Time, wh *domain.WorkingHours) time.Time {
	var t time.Time
	switch level {
	case domain.UrgencyImmediate:
		t = now.Add(e.policy.ImmediateOffset)
	case domain.UrgencyToday:
		t = ceilHalfHour(now.Add(e.policy.TodayLead))
	case domain.UrgencyThisWeek:
		d := addBusinessDays(now, e.policy.ThisWeekBusiness, wh)
		t = time.Date(d.Year(), d.Month(), d.Day(), e.policy.WakeHour, 0, 0, 0, now.Location())
	case domain.UrgencyNextWeek:
		t = nextWeekday(now, time.Monday, e.policy.WakeHour, 0)
	default:
		t = now.Add(e.policy.LaterOffset)
	}
	return rollForward(t, wh)
}

// rollForward moves t to the next moment inside working hours. Nil hours leave t alone.
func rollForward(t time.Time, wh *domain.WorkingHours) time.Time {
	if wh == nil || len(wh.Days) == 0 {
		return t
	}
	for i := 0; i < 14; i++ {
		if hours, ok := wh.Days[t.Weekday()]; ok {
			start := atMinute(t, hours.StartMinute)
			end := atMinute(t, hours.EndMinute)
			if t.Before(start) {
				return start
			}
			if t.Before(end) {
				return t
			}
		}
		t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
	}
	return t
}

func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}

func addBusinessDays(from time.Time, n int, wh *domain.WorkingHours) time.Time {
	d := from
	for added, guard := 0, 0; added < n && guard < 31; guard++ {
		d = time.Date(d.Year(), d.Month(), d.Day()+1, d.Hour(), d.Minute(), 0, 0, d.Location())
		if wh.IsWorkday(d.Weekday()) {
			added++
		}
	}
	return d
}

// nextWeekday returns the next given weekday strictly after today at hour:min.
func nextWeekday(now time.Time, day time.Weekday, hour, min int) time.Time {
	daysUntil := (day - now.Weekday() + 7) % 7
	if daysUntil == 0 {
		daysUntil = 7
	}
	return time.Date(now.Year(), now.Month(), now.Day()+int(daysUntil), hour, min, 0, 0, now.Location())
}

func ceilHalfHour(t time.Time) time.Time {
	r := t.Truncate(30 * time.Minute)
	if r.Before(t) {
		r = r.Add(30 * time.Minute)
	}
	return r
}
