// Package openai provides a speech-to-text provider backed by the OpenAI
// audio transcription endpoint (whisper-1 by default).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/elf/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/elf/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

var _ stt.Provider = (*Provider)(nil)

type config struct {
	oaiclient.Settings
	model    string
	language string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets an ISO-639-1 language hint. Empty lets the model detect
// the language.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.BaseURL = url }
}

// WithTimeout bounds one HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.Timeout = d }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.MaxRetries = n }
}

// New constructs a transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{Settings: oaiclient.Settings{APIKey: apiKey}, model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}
	client, err := cfg.Client()
	if err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	return &Provider{client: client, model: cfg.model, language: cfg.language}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
