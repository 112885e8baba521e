package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/elf/pkg/provider/llm"
)

func TestParams_Roles(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	tests := []struct {
		role    string
		check   func(oai.ChatCompletionMessageParamUnion) bool
		wantErr bool
	}{
		{role: llm.RoleSystem, check: func(m oai.ChatCompletionMessageParamUnion) bool { return m.OfSystem != nil }},
		{role: llm.RoleUser, check: func(m oai.ChatCompletionMessageParamUnion) bool { return m.OfUser != nil }},
		{role: llm.RoleAssistant, check: func(m oai.ChatCompletionMessageParamUnion) bool { return m.OfAssistant != nil }},
		{role: "tool", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			params, err := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: tc.role, Content: "hi"}}})
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unknown role") {
					t.Fatalf("err = %v, want unknown role", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("params: %v", err)
			}
			if len(params.Messages) != 1 || !tc.check(params.Messages[0]) {
				t.Errorf("messages = %+v", params.Messages)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p, err := New("key", "gpt-4o")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "You are Elf.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hello!"}},
		MaxTokens:    200,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Fatalf("messages = %+v, want system then user", params.Messages)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 200 {
		t.Errorf("MaxCompletionTokens = %+v", params.MaxCompletionTokens)
	}

	if _, err := p.params(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty request")
	}
}

func TestComplete_HTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["model"] != "gpt-4o" {
			t.Errorf("model = %v, want gpt-4o", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-2024-08-06",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Good morning!"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`)
	}))
	defer srv.Close()

	p, err := New("key", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello!"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Good morning!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("TotalTokens = %d, want 13", resp.Usage.TotalTokens)
	}
}

func TestComplete_EmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"length","message":{"role":"assistant","content":"  "}}]}`)
	}))
	defer srv.Close()

	p, err := New("key", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello!"}},
	})
	if err == nil || !strings.Contains(err.Error(), "length") {
		t.Fatalf("err = %v, want empty reply naming the finish reason", err)
	}
}

func TestComplete_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New("key", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello!"}},
	})
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
}
