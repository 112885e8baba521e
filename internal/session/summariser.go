package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/store"
)

// summaryPrompt is the system prompt for the first wrap-up call.
const summaryPrompt = `You summarise the previous conversation between an elderly user and their companion.
The summary is written in English only.
The summary should be short and concise.`

// nextGreetingPrompt is the system prompt for the second wrap-up call.
const nextGreetingPrompt = `You write the first greeting question that opens a new conversation, based on the summary of the previous one.
Talk to the elderly user like a friendly neighbour, in a casual and informal style.
Do not use difficult words or phrases. Write in English only.
The question must be short. Keep it friendly and casual like a chat buddy.`

// Summary is the outcome of [Summariser.Generate].
type Summary struct {
	Text         string
	NextGreeting string
	// Model is the model id reported by the summary call.
	Model string
}

// Summariser condenses a finished session into a summary and the seed for the
// next session's greeting.
type Summariser struct {
	llm   llm.Provider
	store store.Store
	now   Clock
	log   *slog.Logger
}

// SummariserOption configures a [Summariser].
type SummariserOption func(*Summariser)

// WithSummariserClock sets the clock used for summary timestamps.
func WithSummariserClock(c Clock) SummariserOption {
	return func(s *Summariser) { s.now = c }
}

// WithSummariserLogger sets the logger.
func WithSummariserLogger(l *slog.Logger) SummariserOption {
	return func(s *Summariser) { s.log = l }
}

// NewSummariser returns a Summariser that calls provider and records
// summaries in st.
func NewSummariser(provider llm.Provider, st store.Store, opts ...SummariserOption) *Summariser {
	s := &Summariser{
		llm:   provider,
		store: st,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Generate produces a short summary of turns and a friendly opening question
// for the next session that greets name. It makes two sequential model
// calls and persists nothing.
func (s *Summariser) Generate(ctx context.Context, name string, turns []llm.Message) (Summary, error) {
	if len(turns) == 0 {
		return Summary{}, errors.New("session: generate: empty transcript")
	}

	var sb strings.Builder
	sb.WriteString("Summarise the previous conversation given below.\n\nUser and assistant previous conversation:\n")
	for _, m := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	sum, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.5,
		MaxTokens:    1024,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("session: summarise: %w", err)
	}

	req := fmt.Sprintf(`Give me an appropriate greeting question to start the next conversation.
The question should be related to the summary below.
It should start with a greeting and my name, for example: Hello, %[1]s! [greeting question]

My name: %[1]s

Summary of the previous conversation:
%[2]s`, name, sum.Content)

	next, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: nextGreetingPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: req}},
		Temperature:  0.5,
		MaxTokens:    1024,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("session: next greeting: %w", err)
	}

	return Summary{
		Text:         strings.TrimSpace(sum.Content),
		NextGreeting: strings.TrimSpace(next.Content),
		Model:        sum.Model,
	}, nil
}

// Close writes the summary record for sess. It runs at most once per
// session; later calls return nil without doing anything.
//
// A session without persisted turns produces no record. A session whose
// transcript has no user turn records an empty summary and seed, which marks
// the check-in as unanswered for the next greeting.
func (s *Summariser) Close(ctx context.Context, sess *Session) error {
	var err error
	sess.closeOnce.Do(func() {
		err = s.close(ctx, sess)
	})
	return err
}

func (s *Summariser) close(ctx context.Context, sess *Session) error {
	if sess.Turns() == 0 {
		s.log.Debug("no persisted turns, skipping summary", "session_id", sess.ID)
		return nil
	}

	transcript := s.transcript(ctx, sess)
	rec := store.Summary{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		UserName:     sess.UserName,
		SessionStart: sess.CreatedAt,
		Strategy:     sess.OpeningStrategy(),
		CreatedAt:    s.now(),
	}

	if hasUserTurn(transcript) {
		sum, err := s.Generate(ctx, sess.UserName, transcript)
		if err != nil {
			s.log.Error("failed to summarise session", "session_id", sess.ID, "err", err)
			return fmt.Errorf("session: close %s: %w", sess.ID, err)
		}
		rec.Text, rec.NextGreeting, rec.Model = sum.Text, sum.NextGreeting, sum.Model
	}

	if err := s.store.InsertSummary(ctx, rec); err != nil {
		s.log.Error("failed to store summary", "session_id", sess.ID, "err", err)
		return fmt.Errorf("session: close %s: %w", sess.ID, err)
	}
	s.log.Info("session summarised",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"answered", rec.Text != "",
	)
	return nil
}

// transcript reads the durable transcript of sess, falling back to the
// in-memory copy when the store cannot serve it.
func (s *Summariser) transcript(ctx context.Context, sess *Session) []llm.Message {
	turns, err := s.store.SessionTurns(ctx, sess.ID)
	if err != nil || len(turns) == 0 {
		if err != nil {
			s.log.Warn("falling back to in-memory transcript", "session_id", sess.ID, "err", err)
		}
		return sess.Transcript()
	}
	return Messages(turns)
}

// Messages converts persisted turns into model messages, dropping the
// enrollment initialization turn.
func Messages(turns []store.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == store.RoleInitialization {
			continue
		}
		out = append(out, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func hasUserTurn(msgs []llm.Message) bool {
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			return true
		}
	}
	return false
}
