package greeting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/forecast"
	forecastmock "github.com/MrWong99/elf/pkg/provider/forecast/mock"
	"github.com/MrWong99/elf/pkg/provider/llm"
	llmmock "github.com/MrWong99/elf/pkg/provider/llm/mock"
	"github.com/MrWong99/elf/pkg/store"
	storemock "github.com/MrWong99/elf/pkg/store/mock"
)

type fixture struct {
	store    *storemock.Store
	chat     *llmmock.Provider
	forecast *forecastmock.Provider
	manager  *session.Manager
	greeter  *Greeter
}

func newFixture(at time.Time) *fixture {
	f := &fixture{
		store:    storemock.New(),
		chat:     &llmmock.Provider{},
		forecast: &forecastmock.Provider{},
	}
	f.manager = session.NewManager(f.store, session.WithClock(func() time.Time { return at }))
	sum := session.NewSummariser(f.chat, f.store)
	f.greeter = New(f.manager, sum, f.chat, f.forecast, f.store)
	return f
}

func mina() *profile.Profile {
	age := 81
	return &profile.Profile{
		UserID:       "u1",
		Name:         "Mina",
		Age:          &age,
		Diseases:     []string{"diabetes"},
		HealthIssues: "sore knee",
		Medications:  []profile.Schedule{{Name: "Metformin", Times: []profile.TimeOfDay{profile.NewTimeOfDay(8, 0)}}},
		Injections:   []profile.Schedule{{Name: "Insulin", Times: []profile.TimeOfDay{profile.NewTimeOfDay(21, 0)}}},
	}
}

func day(h, m int) time.Time {
	return time.Date(2026, 5, 4, h, m, 0, 0, time.UTC)
}

func TestGreet_RegularHealthCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(day(8, 2))
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "Good morning, Mina! Did you take your Metformin?", Model: "gpt-4o-2024"}
	p := mina()
	sess := f.manager.New(p)

	g, err := f.greeter.Greet(context.Background(), sess, p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if g.Strategy != RegularHealthCheck || g.Model != "gpt-4o-2024" {
		t.Errorf("greeting = %+v", g)
	}

	calls := f.chat.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	for _, want := range []string{"diabetes", "Metformin at 08:00", "Insulin at 21:00", "sore knee", "08:02"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != hiddenOpener {
		t.Errorf("messages = %+v, want hidden opener only", req.Messages)
	}

	turns := f.store.Turns()
	if len(turns) != 1 {
		t.Fatalf("persisted %d turns, want 1", len(turns))
	}
	if turns[0].Strategy != "regular_health_check" || turns[0].Role != store.RoleAssistant || turns[0].Model != "gpt-4o-2024" {
		t.Errorf("turn = %+v", turns[0])
	}
	if sess.OpeningStrategy() != "regular_health_check" {
		t.Errorf("OpeningStrategy = %q", sess.OpeningStrategy())
	}
}

func TestGreet_MissedCheckinReminder(t *testing.T) {
	t.Parallel()

	f := newFixture(day(13, 0))
	p := mina()
	p.LastSummary = &profile.LastSummary{SessionID: "prev", Strategy: RegularHealthCheck.String()}
	sess := f.manager.New(p)

	g, err := f.greeter.Greet(context.Background(), sess, p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	want := "Dear Mina, I was worried because you didn't answer my call this morning. Did you take your medication this morning?"
	if g.Text != want {
		t.Errorf("Text = %q\nwant   %q", g.Text, want)
	}
	if g.Model != ModelScripted || g.Strategy != MissedCheckinReminder {
		t.Errorf("greeting = %+v", g)
	}
	if len(f.chat.Calls()) != 0 {
		t.Error("reminder should not call the model")
	}
}

func TestGreet_Weather(t *testing.T) {
	t.Parallel()

	f := newFixture(day(9, 30))
	f.forecast.Conditions = forecast.Conditions{Lightning: "0", Precipitation: "1", Rainfall: "2.0mm", Sky: "4", Temperature: "14", WindSpeed: "3"}
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "Rainy one today, Mina! Feeling alright?", Model: "gpt-4o"}
	p := mina()

	g, err := f.greeter.Greet(context.Background(), f.manager.New(p), p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if g.Strategy != Weather || g.Text != "Rainy one today, Mina! Feeling alright?" {
		t.Errorf("greeting = %+v", g)
	}
	if f.forecast.CallCount() != 1 {
		t.Errorf("forecast calls = %d", f.forecast.CallCount())
	}
	prompt := f.chat.Calls()[0].Req.SystemPrompt
	if !strings.Contains(prompt, "PTY: 1") || !strings.Contains(prompt, "RN1: 2.0mm") {
		t.Errorf("prompt lacks conditions: %q", prompt)
	}
}

func TestGreet_SummaryReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(day(14, 0))
	p := mina()
	p.LastSummary = &profile.LastSummary{Summary: "Talked about the garden.", NextGreeting: "Hello, Mina! How are your tomatoes?", Strategy: "weather"}

	g, err := f.greeter.Greet(context.Background(), f.manager.New(p), p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if g.Text != "Hello, Mina! How are your tomatoes?" || g.Model != ModelSummary || g.Strategy != SummaryReplay {
		t.Errorf("greeting = %+v", g)
	}
}

func TestGreet_EveningRecap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(day(19, 0))
	for i, tr := range []store.Turn{
		{Role: store.RoleAssistant, Content: "How was lunch?"},
		{Role: store.RoleUser, Content: "I had soup with my daughter."},
	} {
		tr.SessionID, tr.UserID, tr.Number = "20260504120000_u1", "u1", i+1
		_ = f.store.AppendTurn(ctx, tr)
	}
	f.chat.Responses = []*llm.CompletionResponse{
		{Content: "Mina had soup with her daughter.", Model: "gpt-4o"},
		{Content: "Hello, Mina! Did your daughter stay long?", Model: "gpt-4o"},
	}
	p := mina()
	sess := f.manager.New(p)

	g, err := f.greeter.Greet(ctx, sess, p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if g.Text != "Hello, Mina! Did your daughter stay long?" || g.Model != ModelScriptAndSummary || g.Strategy != EveningRecap {
		t.Errorf("greeting = %+v", g)
	}
	if !strings.Contains(f.chat.Calls()[0].Req.Messages[0].Content, "soup with my daughter") {
		t.Error("recap did not summarise the previous session")
	}
	if n := f.store.CallCount("InsertSummary"); n != 0 {
		t.Errorf("recap persisted %d summaries, want 0", n)
	}
}

func TestGreet_FallbackOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		at    time.Time
		setup func(f *fixture, p *profile.Profile)
		want  Strategy
	}{
		{
			name:  "forecast error",
			at:    day(9, 0),
			setup: func(f *fixture, _ *profile.Profile) { f.forecast.Err = errors.New("upstream 503") },
			want:  Weather,
		},
		{
			name:  "chat error",
			at:    day(8, 0),
			setup: func(f *fixture, _ *profile.Profile) { f.chat.CompleteErr = errors.New("timeout") },
			want:  RegularHealthCheck,
		},
		{
			name:  "no stored seed",
			at:    day(15, 0),
			setup: func(*fixture, *profile.Profile) {},
			want:  SummaryReplay,
		},
		{
			name:  "no previous session",
			at:    day(20, 0),
			setup: func(*fixture, *profile.Profile) {},
			want:  EveningRecap,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(tt.at)
			p := mina()
			tt.setup(f, p)

			g, err := f.greeter.Greet(context.Background(), f.manager.New(p), p)
			if err != nil {
				t.Fatalf("Greet: %v", err)
			}
			if g.Text != "Hello, Mina! How are you feeling today?" {
				t.Errorf("Text = %q", g.Text)
			}
			if g.Model != ModelFallback || g.Strategy != tt.want {
				t.Errorf("greeting = %+v, want strategy %s", g, tt.want)
			}
			turns := f.store.Turns()
			if len(turns) != 1 || turns[0].Strategy != tt.want.String() || turns[0].Model != ModelFallback {
				t.Errorf("turns = %+v", turns)
			}
		})
	}
}

func TestGreet_ReplaysOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(day(8, 0))
	f.chat.CompleteResponse = &llm.CompletionResponse{Content: "Morning, Mina! Pills taken?", Model: "m"}
	p := mina()
	sess := f.manager.New(p)

	first, _ := f.greeter.Greet(context.Background(), sess, p)
	second, err := f.greeter.Greet(context.Background(), sess, p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if !second.Replayed || second.Text != first.Text {
		t.Errorf("second greeting = %+v", second)
	}
	if n := len(f.chat.Calls()); n != 1 {
		t.Errorf("Complete calls = %d, want 1", n)
	}
	if n := len(f.store.Turns()); n != 1 {
		t.Errorf("persisted turns = %d, want 1", n)
	}
}

func TestGreet_PersistFailureStillGreets(t *testing.T) {
	t.Parallel()

	f := newFixture(day(14, 0))
	f.store.AppendTurnErr = errors.New("db down")
	p := mina()
	sess := f.manager.New(p)

	g, err := f.greeter.Greet(context.Background(), sess, p)
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if g.Text == "" {
		t.Error("empty greeting")
	}
	if sess.Turns() != 0 {
		t.Errorf("Turns = %d, want 0", sess.Turns())
	}
}
