// Package greeting chooses and produces the opening line of a session.
//
// Selection is a pure function of four facts: which alarm category is due,
// whether the previous session was answered, the strategy that opened the
// previous session, and the current time-of-day bucket. [Select] maps those
// facts to exactly one [Strategy]; [Greeter] runs the handler for it.
package greeting

import (
	"github.com/MrWong99/elf/internal/alarm"
	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
)

// Strategy identifies how an opening greeting is produced.
type Strategy int

const (
	// RegularHealthCheck asks whether a due dose was taken.
	RegularHealthCheck Strategy = iota + 1
	// MissedCheckinReminder follows up on an unanswered health check.
	MissedCheckinReminder
	// Weather opens with a mood check based on the current forecast.
	Weather
	// SummaryReplay replays the greeting seeded by the last summary.
	SummaryReplay
	// EveningRecap seeds a greeting from the previous session's transcript.
	EveningRecap
)

// Strategies lists every strategy in declaration order.
var Strategies = []Strategy{
	RegularHealthCheck,
	MissedCheckinReminder,
	Weather,
	SummaryReplay,
	EveningRecap,
}

// String returns the persisted strategy tag.
func (s Strategy) String() string {
	switch s {
	case RegularHealthCheck:
		return "regular_health_check"
	case MissedCheckinReminder:
		return "missed_checkin_reminder"
	case Weather:
		return "weather"
	case SummaryReplay:
		return "summary_replay"
	case EveningRecap:
		return "evening_recap"
	default:
		return "unknown"
	}
}

// ParseStrategy returns the strategy for a persisted tag.
func ParseStrategy(tag string) (Strategy, bool) {
	for _, s := range Strategies {
		if s.String() == tag {
			return s, true
		}
	}
	return 0, false
}

// Inputs are the facts [Select] decides on.
type Inputs struct {
	// Due is the category of the alarm due at session start, empty when none.
	Due alarm.Category

	// PriorAnswered reports whether the previous session's summary records a
	// user reply. False when there is no previous summary.
	PriorAnswered bool

	// PriorStrategy is the strategy tag that opened the previous session.
	PriorStrategy string

	Bucket session.Bucket
}

// InputsFor gathers the selection inputs from a session and its profile.
func InputsFor(s *session.Session, p *profile.Profile) Inputs {
	in := Inputs{Bucket: s.Bucket}
	if s.Due != nil {
		in.Due = s.Due.Category
	}
	if p != nil && p.LastSummary != nil {
		in.PriorAnswered = p.LastSummary.Answered()
		in.PriorStrategy = p.LastSummary.Strategy
	}
	return in
}

// Select picks the greeting strategy for in.
//
// A due medication or injection always wins. Otherwise an unanswered health
// check from the previous session triggers a reminder. Failing both, the
// current bucket decides: morning gets the weather, evening a recap of the
// previous session, and midday or overnight replay the stored seed.
func Select(in Inputs) Strategy {
	if in.Due.IsHealth() {
		return RegularHealthCheck
	}
	if in.PriorStrategy == RegularHealthCheck.String() && !in.PriorAnswered {
		return MissedCheckinReminder
	}
	switch in.Bucket {
	case session.Morning:
		return Weather
	case session.Evening:
		return EveningRecap
	default:
		return SummaryReplay
	}
}

// previousPeriod names the bucket before b the way a reminder refers to it.
func previousPeriod(b session.Bucket) string {
	switch b {
	case session.Midday:
		return "this morning"
	case session.Evening:
		return "at lunch"
	default:
		return "yesterday"
	}
}
