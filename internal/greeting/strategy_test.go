package greeting

import (
	"testing"
	"time"

	"github.com/MrWong99/elf/internal/alarm"
	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	storemock "github.com/MrWong99/elf/pkg/store/mock"
)

func TestSelect(t *testing.T) {
	t.Parallel()

	health := RegularHealthCheck.String()
	tests := []struct {
		name string
		in   Inputs
		want Strategy
	}{
		{"medication due", Inputs{Due: alarm.Medication, Bucket: session.Evening}, RegularHealthCheck},
		{"injection due beats missed check-in", Inputs{Due: alarm.Injection, PriorStrategy: health}, RegularHealthCheck},
		{"missed health check at midday", Inputs{PriorStrategy: health, Bucket: session.Midday}, MissedCheckinReminder},
		{"missed health check with casual due", Inputs{Due: alarm.Casual, PriorStrategy: health, Bucket: session.Morning}, MissedCheckinReminder},
		{"answered health check", Inputs{PriorStrategy: health, PriorAnswered: true, Bucket: session.Midday}, SummaryReplay},
		{"unanswered weather session", Inputs{PriorStrategy: Weather.String(), Bucket: session.Evening}, EveningRecap},
		{"morning", Inputs{Bucket: session.Morning}, Weather},
		{"midday", Inputs{Bucket: session.Midday}, SummaryReplay},
		{"evening", Inputs{Bucket: session.Evening}, EveningRecap},
		{"overnight", Inputs{Bucket: session.Overnight}, SummaryReplay},
		{"casual due follows bucket", Inputs{Due: alarm.Casual, Bucket: session.Morning}, Weather},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Select(tt.in); got != tt.want {
				t.Errorf("Select(%+v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()

	dues := []alarm.Category{"", alarm.Casual, alarm.Medication, alarm.Injection}
	priors := []string{"", RegularHealthCheck.String(), Weather.String()}
	buckets := []session.Bucket{session.Overnight, session.Morning, session.Midday, session.Evening}
	for _, d := range dues {
		for _, ps := range priors {
			for _, answered := range []bool{false, true} {
				for _, b := range buckets {
					in := Inputs{Due: d, PriorStrategy: ps, PriorAnswered: answered, Bucket: b}
					first := Select(in)
					for range 3 {
						if got := Select(in); got != first {
							t.Fatalf("Select(%+v) changed from %s to %s", in, first, got)
						}
					}
				}
			}
		}
	}
}

func TestStrategy_TagsRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range Strategies {
		got, ok := ParseStrategy(s.String())
		if !ok || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s, got, ok)
		}
	}
	if _, ok := ParseStrategy("make_weather_greeting"); ok {
		t.Error("unknown tag parsed")
	}
}

func TestPreviousPeriod(t *testing.T) {
	t.Parallel()

	tests := map[session.Bucket]string{
		session.Midday:    "this morning",
		session.Evening:   "at lunch",
		session.Morning:   "yesterday",
		session.Overnight: "yesterday",
	}
	for b, want := range tests {
		if got := previousPeriod(b); got != want {
			t.Errorf("previousPeriod(%s) = %q, want %q", b, got, want)
		}
	}
}

// Medication at 08:00, tolerance 3 minutes, session at 08:02.
func TestInputsFor_MedicationScenario(t *testing.T) {
	t.Parallel()

	p := &profile.Profile{
		UserID:      "u1",
		Medications: []profile.Schedule{{Name: "Amlodipine", Times: []profile.TimeOfDay{profile.NewTimeOfDay(8, 0)}}},
	}
	m := session.NewManager(storemock.New(), session.WithClock(func() time.Time {
		return time.Date(2026, 5, 4, 8, 2, 0, 0, time.UTC)
	}))
	in := InputsFor(m.New(p), p)
	if in.Due != alarm.Medication {
		t.Fatalf("Due = %q, want medication", in.Due)
	}
	if got := Select(in); got != RegularHealthCheck {
		t.Errorf("Select = %s, want regular_health_check", got)
	}
}

func TestInputsFor_MissedCheckinScenario(t *testing.T) {
	t.Parallel()

	p := &profile.Profile{
		UserID: "u1",
		LastSummary: &profile.LastSummary{
			SessionID: "20260504080000_u1",
			Strategy:  RegularHealthCheck.String(),
		},
	}
	m := session.NewManager(storemock.New(), session.WithClock(func() time.Time {
		return time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	}))
	sess := m.New(p)
	if got := Select(InputsFor(sess, p)); got != MissedCheckinReminder {
		t.Fatalf("Select = %s, want missed_checkin_reminder", got)
	}
	if got := previousPeriod(sess.Bucket); got != "this morning" {
		t.Errorf("reminder refers to %q, want this morning", got)
	}
}
