// Package openai provides a text-to-speech provider backed by the OpenAI
// audio speech endpoint.
//
// Defaults favour an elderly listener: the high-definition model, the calm
// "nova" voice and a slightly slowed speaking rate.
package openai

import (
	"context"
	"fmt"
	"io"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/elf/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/elf/pkg/provider/tts"
)

const (
	DefaultModel = "tts-1-hd"
	DefaultVoice = "nova"
	DefaultSpeed = 0.92
)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

var _ tts.Provider = (*Provider)(nil)

type config struct {
	oaiclient.Settings
	model string
	voice string
	speed float64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice overrides [DefaultVoice].
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithSpeed overrides [DefaultSpeed]. OpenAI accepts 0.25 to 4.0.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
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

// New constructs a speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{
		Settings: oaiclient.Settings{APIKey: apiKey},
		model:    DefaultModel,
		voice:    DefaultVoice,
		speed:    DefaultSpeed,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed < 0.25 || cfg.speed > 4 {
		return nil, fmt.Errorf("openai tts: speed %.2f out of range [0.25, 4.0]", cfg.speed)
	}
	client, err := cfg.Client()
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	return &Provider{client: client, model: cfg.model, voice: cfg.voice, speed: cfg.speed}, nil
}

// Synthesize implements tts.Provider. The response is requested as WAV.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("openai tts: text must not be empty")
	}
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
		Speed:          param.NewOpt(p.speed),
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return wav, nil
}
