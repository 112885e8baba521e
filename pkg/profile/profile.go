// Package profile defines the in-memory view of a user's persisted health,
// schedule and conversation-history data.
//
// A [Profile] is assembled by a store adapter from raw rows. All raw
// time-of-day values pass through a [Normalizer] exactly once, at ingestion;
// nothing downstream of this package shifts clock values again.
package profile

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// minutesPerDay is the length of the 24-hour clock in minutes.
const minutesPerDay = 24 * 60

// ErrInvalidTime is returned when a raw time-of-day string cannot be parsed.
var ErrInvalidTime = errors.New("profile: invalid time of day")

// TimeOfDay is a wall-clock time with minute resolution, expressed as minutes
// since midnight in the canonical comparison timezone. Valid values are in
// [0, 1440).
type TimeOfDay int

// NewTimeOfDay returns the TimeOfDay for hour:minute. Out-of-range inputs wrap
// around the 24-hour clock.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return wrap(hour*60 + minute)
}

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return NewTimeOfDay(h, m), nil
}

// At returns the time of day of t in t's location.
func At(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Shift returns t moved by d, wrapping at midnight. Sub-minute precision is
// truncated.
func (t TimeOfDay) Shift(d time.Duration) TimeOfDay {
	return wrap(int(t) + int(d/time.Minute))
}

// Distance returns the absolute difference between t and u on the circular
// 24-hour clock, so 23:59 and 00:01 are two minutes apart.
func (t TimeOfDay) Distance(u TimeOfDay) time.Duration {
	d := int(t) - int(u)
	if d < 0 {
		d = -d
	}
	if d > minutesPerDay/2 {
		d = minutesPerDay - d
	}
	return time.Duration(d) * time.Minute
}

// String formats t as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func wrap(m int) TimeOfDay {
	m %= minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return TimeOfDay(m)
}

// Schedule is a named dose with its ordered daily times.
type Schedule struct {
	Name  string
	Times []TimeOfDay
}

// LastSummary is the most recent wrap-up persisted for a user.
type LastSummary struct {
	// SessionID is the session the summary was produced for.
	SessionID string

	// Summary is empty when the session ended without any reply from the user.
	Summary string

	// NextGreeting is the opening line seeded for the following session.
	NextGreeting string

	// Strategy is the greeting strategy tag that opened the summarised session.
	Strategy string

	CreatedAt time.Time
}

// Answered reports whether the summarised session contained a user reply.
func (s *LastSummary) Answered() bool {
	return s != nil && s.Summary != ""
}

// Profile is a user's persisted health, schedule and history snapshot. It is
// loaded fresh on every connect and treated as read-only afterwards.
type Profile struct {
	UserID string
	Name   string

	// LegacyID is the identifier the user was enrolled under before the
	// current device binding. Empty when never rebound.
	LegacyID string

	Sex string

	// Age is nil when unknown.
	Age *int

	Diseases     []string
	HealthIssues string

	Medications []Schedule
	Injections  []Schedule
	CasualTimes []TimeOfDay

	// LastSummary is nil when the user has no closed session yet.
	LastSummary *LastSummary
}

// RawSchedule is a schedule as stored, before normalisation.
type RawSchedule struct {
	Name  string   `json:"name" yaml:"name"`
	Times []string `json:"times" yaml:"times"`
}

// Normalizer converts raw stored clock values into the canonical comparison
// timezone. Offset is added to every raw value, so data authored nine hours
// behind the comparison clock uses an Offset of 9h.
type Normalizer struct {
	Offset time.Duration
}

// Time parses raw and applies the offset.
func (n Normalizer) Time(raw string) (TimeOfDay, error) {
	t, err := ParseTimeOfDay(raw)
	if err != nil {
		return 0, err
	}
	return t.Shift(n.Offset), nil
}

// Times normalises every value in raw, preserving order.
func (n Normalizer) Times(raw []string) ([]TimeOfDay, error) {
	out := make([]TimeOfDay, 0, len(raw))
	for _, r := range raw {
		t, err := n.Time(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Schedules normalises a list of raw schedules. Entries with an empty name
// are rejected.
func (n Normalizer) Schedules(raw []RawSchedule) ([]Schedule, error) {
	out := make([]Schedule, 0, len(raw))
	for i, r := range raw {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("profile: schedule %d has an empty name", i)
		}
		times, err := n.Times(r.Times)
		if err != nil {
			return nil, fmt.Errorf("profile: schedule %q: %w", r.Name, err)
		}
		out = append(out, Schedule{Name: r.Name, Times: times})
	}
	return out, nil
}

// FormatSchedules renders schedules as "Name at 08:00, 20:00; Other at ...".
// It returns "none" for an empty list.
func FormatSchedules(s []Schedule) string {
	if len(s) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(s))
	for _, sch := range s {
		times := make([]string, 0, len(sch.Times))
		for _, t := range sch.Times {
			times = append(times, t.String())
		}
		parts = append(parts, sch.Name+" at "+strings.Join(times, ", "))
	}
	return strings.Join(parts, "; ")
}

// FormatDiseases renders the disease list or "none".
func FormatDiseases(d []string) string {
	d = slices.DeleteFunc(slices.Clone(d), func(s string) bool { return strings.TrimSpace(s) == "" })
	if len(d) == 0 {
		return "none"
	}
	return strings.Join(d, ", ")
}
