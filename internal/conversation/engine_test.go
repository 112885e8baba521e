package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/elf/internal/session"
	"github.com/MrWong99/elf/pkg/profile"
	"github.com/MrWong99/elf/pkg/provider/llm"
	llmmock "github.com/MrWong99/elf/pkg/provider/llm/mock"
	"github.com/MrWong99/elf/pkg/store"
	storemock "github.com/MrWong99/elf/pkg/store/mock"
)

var noon = time.Date(2026, 5, 4, 12, 10, 0, 0, time.UTC)

func newEngine(st *storemock.Store, chat *llmmock.Provider) (*Engine, *session.Manager) {
	m := session.NewManager(st, session.WithClock(func() time.Time { return noon }))
	return New(m, chat), m
}

func mina() *profile.Profile {
	return &profile.Profile{
		UserID:      "u1",
		Name:        "Mina",
		Diseases:    []string{"arthritis"},
		Medications: []profile.Schedule{{Name: "Ibuprofen", Times: []profile.TimeOfDay{profile.NewTimeOfDay(13, 0)}}},
	}
}

func TestEngine_Respond(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storemock.New()
	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " Glad to hear it! What did you eat? ", Model: "gpt-4o"}}
	e, m := newEngine(st, chat)
	p := mina()
	sess := m.New(p)
	m.Append(ctx, sess, session.Turn{Role: store.RoleAssistant, Content: "Hello, Mina!", Strategy: "summary_replay", Model: "summarization"})

	reply, err := e.Respond(ctx, sess, p, "I just had lunch.", noon)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.Text != "Glad to hear it! What did you eat?" || reply.Model != "gpt-4o" || reply.UserTurn != 2 {
		t.Errorf("reply = %+v", reply)
	}

	req := chat.Calls()[0].Req
	if !strings.Contains(req.SystemPrompt, "Previous conversation:\nassistant:Hello, Mina!") {
		t.Errorf("system prompt lacks transcript:\n%s", req.SystemPrompt)
	}
	if strings.Contains(req.SystemPrompt, "I just had lunch.") {
		t.Error("system prompt should only carry turns before the utterance")
	}
	for _, want := range []string{"arthritis", "Ibuprofen at 13:00", "12:10"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 2 || req.Messages[1].Role != llm.RoleUser || req.Messages[1].Content != "I just had lunch." {
		t.Errorf("messages = %+v", req.Messages)
	}

	turns := st.Turns()
	if len(turns) != 3 {
		t.Fatalf("persisted %d turns, want 3", len(turns))
	}
	if turns[1].Role != store.RoleUser || !turns[1].CreatedAt.Equal(noon) {
		t.Errorf("user turn = %+v", turns[1])
	}
	if turns[2].Strategy != "" || turns[2].Model != "gpt-4o" {
		t.Errorf("assistant turn = %+v", turns[2])
	}
	if sess.Turns() != 3 {
		t.Errorf("Turns = %d, want 3", sess.Turns())
	}
}

func TestEngine_RespondModelFailureKeepsUserTurn(t *testing.T) {
	t.Parallel()

	st := storemock.New()
	chat := &llmmock.Provider{CompleteErr: context.DeadlineExceeded}
	e, m := newEngine(st, chat)
	sess := m.New(mina())

	reply, err := e.Respond(context.Background(), sess, mina(), "Are you there?", noon)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if reply.UserTurn != 1 {
		t.Errorf("UserTurn = %d, want 1", reply.UserTurn)
	}
	if turns := st.Turns(); len(turns) != 1 || turns[0].Role != store.RoleUser {
		t.Errorf("turns = %+v", turns)
	}
}

func TestEngine_RespondEmpty(t *testing.T) {
	t.Parallel()

	st := storemock.New()
	chat := &llmmock.Provider{}
	e, m := newEngine(st, chat)

	if _, err := e.Respond(context.Background(), m.New(mina()), mina(), "   ", noon); !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("err = %v, want ErrEmptyUtterance", err)
	}
	if len(chat.Calls()) != 0 || len(st.Turns()) != 0 {
		t.Error("empty utterance reached the model or the store")
	}
}

func TestEngine_RespondStoreDownStillReplies(t *testing.T) {
	t.Parallel()

	st := storemock.New()
	st.AppendTurnErr = errors.New("db down")
	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Sure!", Model: "m"}}
	e, m := newEngine(st, chat)
	sess := m.New(mina())

	reply, err := e.Respond(context.Background(), sess, mina(), "Hi", noon)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.Text != "Sure!" || reply.UserTurn != 0 {
		t.Errorf("reply = %+v", reply)
	}
	if sess.Turns() != 0 || len(sess.Transcript()) != 2 {
		t.Errorf("counter = %d, transcript = %d", sess.Turns(), len(sess.Transcript()))
	}
}

// Three persisted turns, then a disconnect: the wrap-up must reference the
// session and carry a summary and a seed.
func TestEngine_DisconnectAfterThreeTurns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storemock.New()
	chat := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "Lovely! Did you see anyone?", Model: "gpt-4o"},
		{Content: "Mina walked in the park.", Model: "gpt-4o"},
		{Content: "Hello, Mina! Going to the park again?", Model: "gpt-4o"},
	}}
	e, m := newEngine(st, chat)
	p := mina()
	sess := m.New(p)

	m.Append(ctx, sess, session.Turn{Role: store.RoleAssistant, Content: "Hello, Mina!", Strategy: "summary_replay", Model: "summarization"})
	if _, err := e.Respond(ctx, sess, p, "I walked in the park.", noon); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if sess.Turns() != 3 {
		t.Fatalf("Turns = %d, want 3", sess.Turns())
	}

	if err := session.NewSummariser(chat, st).Close(ctx, sess); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sums := st.Summaries()
	if len(sums) != 1 {
		t.Fatalf("summaries = %d, want 1", len(sums))
	}
	if sums[0].SessionID != sess.ID || sums[0].Text == "" || sums[0].NextGreeting == "" {
		t.Errorf("summary = %+v", sums[0])
	}
	if sums[0].Strategy != "summary_replay" {
		t.Errorf("Strategy = %q", sums[0].Strategy)
	}
}

func TestEngine_AttachAudio(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storemock.New()
	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok", Model: "m"}}
	e, m := newEngine(st, chat)
	sess := m.New(mina())

	if _, err := e.Respond(ctx, sess, mina(), "hello", noon); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	ref := sess.ID + "_0001.wav"
	if err := e.AttachAudio(ctx, sess, ref); err != nil {
		t.Fatalf("AttachAudio: %v", err)
	}
	if got := st.Turns()[0].AudioRef; got != ref {
		t.Errorf("AudioRef = %q, want %q", got, ref)
	}
}

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	got := FormatTranscript([]llm.Message{
		{Role: "assistant", Content: "Hi"},
		{Role: "user", Content: "Hello"},
	})
	if got != "assistant:Hi\nuser:Hello" {
		t.Errorf("FormatTranscript = %q", got)
	}
	if FormatTranscript(nil) != "" {
		t.Error("empty transcript should render empty")
	}
}
