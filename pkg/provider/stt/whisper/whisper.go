// Package whisper provides a speech-to-text provider that delegates to a
// running whisper.cpp HTTP server (POST /inference).
//
// Typical usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithModel("base"),
//	    whisper.WithLanguage("ko"),
//	)
//	text, err := p.Transcribe(ctx, wav)
package whisper

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/elf/pkg/provider/stt"
)

const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.form["model"] = model }
}

// WithLanguage sets the language code sent to the server. Empty lets the
// server auto-detect.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.form["language"] = lang }
}

// WithTimeout bounds one inference request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.SetTimeout(d) }
}

// Provider implements stt.Provider by POSTing WAV files to whisper.cpp.
type Provider struct {
	client *resty.Client
	form   map[string]string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new whisper.cpp Provider. serverURL is the base URL of the
// running server, e.g. "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper: serverURL must not be empty")
	}
	// No client retries: the multipart body is streamed from a reader that
	// a second attempt would find drained. Spares go through failover.
	client := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(defaultTimeout)

	p := &Provider{
		client: client,
		form:   map[string]string{"response_format": "json"},
	}
	for _, o := range opts {
		o(p)
	}
	for k, v := range p.form {
		if v == "" {
			delete(p.form, k)
		}
	}
	return p, nil
}

type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Transcribe implements stt.Provider. The WAV is sent unchanged as the
// multipart "file" field.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var out inferenceResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetFileReader("file", "audio.wav", bytes.NewReader(wav)).
		SetFormData(p.form).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/inference")
	if err != nil {
		return "", fmt.Errorf("whisper: request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode())
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}
