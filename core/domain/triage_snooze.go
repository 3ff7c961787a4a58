package domain

import "time"

// UrgencyLevel buckets how soon an item should come back.
type UrgencyLevel string

const (
	UrgencyImmediate UrgencyLevel = "IMMEDIATE"
	UrgencyToday     UrgencyLevel = "TODAY"
	UrgencyThisWeek  UrgencyLevel = "THIS_WEEK"
	UrgencyNextWeek  UrgencyLevel = "NEXT_WEEK"
	UrgencyLater     UrgencyLevel = "LATER"
)

// UrgencyLevels in increasing distance.
var UrgencyLevels = []UrgencyLevel{UrgencyImmediate, UrgencyToday, UrgencyThisWeek, UrgencyNextWeek, UrgencyLater}

// DayHours is a working window in minutes after midnight.
type DayHours struct {
	StartMinute int `json:"start_minute" yaml:"start_minute"`
	EndMinute   int `json:"end_minute" yaml:"end_minute"`
}

// WorkingHours lists the allowed weekdays and their windows.
type WorkingHours struct {
	Days map[time.Weekday]DayHours `json:"days" yaml:"days"`
}

// DefaultWorkingHours is Monday to Friday, 09:00 to 17:00.
func DefaultWorkingHours() *WorkingHours {
	wh := &WorkingHours{Days: make(map[time.Weekday]DayHours, 5)}
	for d := time.Monday; d <= time.Friday; d++ {
		wh.Days[d] = DayHours{StartMinute: 9 * 60, EndMinute: 17 * 60}
	}
	return wh
}

// IsWorkday reports whether d has a window.
func (w *WorkingHours) IsWorkday(d time.Weekday) bool {
	if w == nil {
		return d != time.Saturday && d != time.Sunday
	}
	_, ok := w.Days[d]
	return ok
}

// SnoozeSuggestion is the snooze engine's answer.
type SnoozeSuggestion struct {
	SuggestedTime    time.Time    `json:"suggested_time"`
	AlternativeTimes []time.Time  `json:"alternative_times"`
	UrgencyLevel     UrgencyLevel `json:"urgency_level"`
	Source           string       `json:"source"`
}
