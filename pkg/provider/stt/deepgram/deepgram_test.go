package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type captured struct {
	query url.Values
	auth  string
	ctype string
	body  []byte
}

func newServer(t *testing.T, status int, payload string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/listen" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got != nil {
			got.query = r.URL.Query()
			got.auth = r.Header.Get("Authorization")
			got.ctype = r.Header.Get("Content-Type")
			got.body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var got captured
	srv := newServer(t, http.StatusOK,
		`{"results":{"channels":[{"alternatives":[{"transcript":" I took my pills. ","confidence":0.97}]}]}}`, &got)

	p, err := New("secret", WithBaseURL(srv.URL+"/"), WithKeywords("aspirin", "metformin"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), []byte("RIFF-audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I took my pills." {
		t.Errorf("text = %q", text)
	}
	if got.auth != "Token secret" {
		t.Errorf("Authorization = %q", got.auth)
	}
	if got.ctype != "audio/wav" {
		t.Errorf("Content-Type = %q", got.ctype)
	}
	if string(got.body) != "RIFF-audio" {
		t.Errorf("body = %q", got.body)
	}
	if got.query.Get("model") != "nova-3" || got.query.Get("language") != "ko" {
		t.Errorf("query = %v", got.query)
	}
	if kw := got.query["keywords"]; len(kw) != 2 || kw[0] != "aspirin" {
		t.Errorf("keywords = %v", kw)
	}
}

func TestTranscribe_Options(t *testing.T) {
	t.Parallel()

	var got captured
	srv := newServer(t, http.StatusOK, `{"results":{"channels":[]}}`, &got)

	p, err := New("k", WithBaseURL(srv.URL), WithModel("base"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), []byte("RIFF"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("no channels should yield empty text, got %q", text)
	}
	if got.query.Get("model") != "base" || got.query.Get("language") != "en" {
		t.Errorf("query = %v", got.query)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		payload string
		want    string
	}{
		{"bad key", http.StatusUnauthorized, `{"err_code":"INVALID_AUTH","err_msg":"Invalid credentials."}`, "Invalid credentials."},
		{"bad request", http.StatusBadRequest, `{}`, "HTTP 400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tt.status, tt.payload, nil)
			p, err := New("k", WithBaseURL(srv.URL), WithRetries(0))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Transcribe(context.Background(), []byte("RIFF"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
