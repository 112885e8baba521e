// Package conversation turns a user utterance into the companion's reply.
//
// Each call to [Engine.Respond] persists the user turn before the model is
// asked, so the utterance survives a failing or slow model call. The reply is
// persisted as an untagged assistant turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/store"
)

// ErrEmptyUtterance is returned when the user said nothing intelligible.
var ErrEmptyUtterance = errors.New("conversation: empty utterance")

// Reply is the assistant's answer to one user turn.
type Reply struct {
	Text  string
	Model string

	// UserTurn is the persisted number of the user turn, zero when the store
	// rejected it.
	UserTurn int
}

// Engine generates replies for live sessions.
type Engine struct {
	sessions *session.Manager
	chat     llm.Provider
	log      *slog.Logger

	temperature float64
	maxTokens   int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTemperature sets the sampling temperature. Defaults to 0.5.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps the reply length. Defaults to 1024.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// New returns an Engine that records turns through sessions and asks chat
// for replies.
func New(sessions *session.Manager, chat llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		sessions:    sessions,
		chat:        chat,
		log:         slog.Default(),
		temperature: 0.5,
		maxTokens:   1024,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Respond records utterance as a user turn of sess at time at, asks the model
// for a reply and records that too.
//
// Persistence failures are logged and do not fail the call. A model failure
// is returned; the user turn stays recorded.
func (e *Engine) Respond(ctx context.Context, sess *session.Session, p *profile.Profile, utterance string, at time.Time) (Reply, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Reply{}, ErrEmptyUtterance
	}

	// The prompt renders the transcript before this turn; the message list
	// carries it including this turn.
	prior := sess.Transcript()
	userTurn := e.sessions.Append(ctx, sess, session.Turn{
		Role:    store.RoleUser,
		Content: utterance,
		At:      at,
	})

	resp, err := e.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt(p, prior, e.sessions.Now()),
		Messages:     sess.Transcript(),
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		return Reply{UserTurn: userTurn}, fmt.Errorf("conversation: respond: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return Reply{UserTurn: userTurn}, errors.New("conversation: respond: empty reply")
	}

	text := strings.TrimSpace(resp.Content)
	e.sessions.Append(ctx, sess, session.Turn{
		Role:    store.RoleAssistant,
		Content: text,
		Model:   resp.Model,
	})

	e.log.Debug("reply generated",
		"session_id", sess.ID,
		"turn", userTurn,
		"model", resp.Model,
	)
	return Reply{Text: text, Model: resp.Model, UserTurn: userTurn}, nil
}

// AttachAudio links an archived recording to the most recent user turn of
// sess.
func (e *Engine) AttachAudio(ctx context.Context, sess *session.Session, ref string) error {
	return e.sessions.AttachAudio(ctx, sess, ref)
}
