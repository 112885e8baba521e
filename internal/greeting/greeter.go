package greeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/forecast"
	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/store"
)

// Model ids recorded for greetings that are not a plain model reply.
const (
	ModelScripted         = "scripted"
	ModelFallback         = "scripted-fallback"
	ModelSummary          = "summarization"
	ModelScriptAndSummary = "script and summarization"
)

// hiddenOpener is the user message sent along with greeting prompts. It is
// never persisted.
const hiddenOpener = "Hello!"

var (
	errNoSeed         = errors.New("greeting: no stored next greeting")
	errNoPriorSession = errors.New("greeting: no previous session")
)

// Greeting is a produced opening line.
type Greeting struct {
	Text     string
	Strategy Strategy
	Model    string

	// Replayed is set when the text was produced earlier in the session.
	Replayed bool
}

// Greeter produces the opening greeting of a session.
//
// Callers must not run Greet concurrently for the same session; the gateway
// serialises commands per user.
type Greeter struct {
	sessions   *session.Manager
	summariser *session.Summariser
	chat       llm.Provider
	forecast   forecast.Provider
	store      store.Store
	log        *slog.Logger
}

// Option configures a [Greeter].
type Option func(*Greeter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Greeter) { g.log = l }
}

// New returns a Greeter. fc may be nil, in which case the weather strategy
// always falls back.
func New(sessions *session.Manager, summariser *session.Summariser, chat llm.Provider, fc forecast.Provider, st store.Store, opts ...Option) *Greeter {
	g := &Greeter{
		sessions:   sessions,
		summariser: summariser,
		chat:       chat,
		forecast:   fc,
		store:      st,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Greet returns the opening greeting for sess. The first call selects a
// strategy, runs its handler and records the greeting as an assistant turn
// tagged with the strategy. Later calls replay the same text without
// recording anything.
//
// A failing handler never fails Greet: the last-resort scripted greeting is
// used instead, still tagged with the selected strategy.
func (g *Greeter) Greet(ctx context.Context, sess *session.Session, p *profile.Profile) (Greeting, error) {
	if text, ok := sess.Greeting(); ok {
		return Greeting{Text: text, Replayed: true}, nil
	}

	strategy := Select(InputsFor(sess, p))
	text, model, err := g.run(ctx, strategy, sess, p)
	if err != nil || strings.TrimSpace(text) == "" {
		g.log.Warn("greeting handler failed, using fallback",
			"session_id", sess.ID,
			"strategy", strategy.String(),
			"err", err,
		)
		text, model = Fallback(sess.UserName), ModelFallback
	}
	text = strings.TrimSpace(text)

	// The greeting goes out even when it could not be persisted.
	g.sessions.Append(ctx, sess, session.Turn{
		Role:     store.RoleAssistant,
		Content:  text,
		Strategy: strategy.String(),
		Model:    model,
	})
	sess.SetGreeting(text)

	g.log.Info("greeting produced",
		"session_id", sess.ID,
		"strategy", strategy.String(),
		"model", model,
	)
	return Greeting{Text: text, Strategy: strategy, Model: model}, nil
}

// Fallback is the last-resort scripted greeting.
func Fallback(name string) string {
	return fmt.Sprintf("Hello, %s! How are you feeling today?", name)
}

// run dispatches to the handler for s.
func (g *Greeter) run(ctx context.Context, s Strategy, sess *session.Session, p *profile.Profile) (text, model string, err error) {
	switch s {
	case RegularHealthCheck:
		return g.healthCheck(ctx, sess, p)
	case MissedCheckinReminder:
		return g.reminder(sess), ModelScripted, nil
	case Weather:
		return g.weather(ctx, sess)
	case SummaryReplay:
		return g.replay(p)
	case EveningRecap:
		return g.recap(ctx, sess)
	default:
		return "", "", fmt.Errorf("greeting: unknown strategy %d", s)
	}
}

func (g *Greeter) healthCheck(ctx context.Context, sess *session.Session, p *profile.Profile) (string, string, error) {
	return g.complete(ctx, healthCheckPrompt(p, sess.Due, g.sessions.Now()))
}

func (g *Greeter) reminder(sess *session.Session) string {
	when := previousPeriod(sess.Bucket)
	return fmt.Sprintf("Dear %s, I was worried because you didn't answer my call %s. Did you take your medication %s?",
		sess.UserName, when, when)
}

func (g *Greeter) weather(ctx context.Context, sess *session.Session) (string, string, error) {
	if g.forecast == nil {
		return "", "", errors.New("greeting: no forecast provider configured")
	}
	cond, err := g.forecast.Current(ctx, g.sessions.Now())
	if err != nil {
		return "", "", fmt.Errorf("greeting: weather: %w", err)
	}
	return g.complete(ctx, weatherPrompt(sess.UserName, cond))
}

func (g *Greeter) replay(p *profile.Profile) (string, string, error) {
	if p == nil || p.LastSummary == nil || p.LastSummary.NextGreeting == "" {
		return "", "", errNoSeed
	}
	return p.LastSummary.NextGreeting, ModelSummary, nil
}

func (g *Greeter) recap(ctx context.Context, sess *session.Session) (string, string, error) {
	prev, err := g.store.LatestSessionID(ctx, sess.UserID, sess.ID)
	if err != nil {
		return "", "", fmt.Errorf("greeting: recap: %w", err)
	}
	if prev == "" {
		return "", "", errNoPriorSession
	}
	turns, err := g.store.SessionTurns(ctx, prev)
	if err != nil {
		return "", "", fmt.Errorf("greeting: recap: %w", err)
	}
	msgs := session.Messages(turns)
	if len(msgs) == 0 {
		return "", "", errNoPriorSession
	}
	sum, err := g.summariser.Generate(ctx, sess.UserName, msgs)
	if err != nil {
		return "", "", fmt.Errorf("greeting: recap: %w", err)
	}
	return sum.NextGreeting, ModelScriptAndSummary, nil
}

// complete sends prompt with the hidden opener and returns the reply.
func (g *Greeter) complete(ctx context.Context, prompt string) (string, string, error) {
	resp, err := g.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: hiddenOpener}},
		Temperature:  0.5,
		MaxTokens:    1024,
	})
	if err != nil {
		return "", "", fmt.Errorf("greeting: complete: %w", err)
	}
	if resp == nil {
		return "", "", errors.New("greeting: complete: empty response")
	}
	return resp.Content, resp.Model, nil
}
