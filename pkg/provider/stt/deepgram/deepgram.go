// Package deepgram provides a Deepgram-backed STT provider using the
// pre-recorded audio endpoint (POST /v1/listen). It implements the
// stt.Provider interface.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/elf/pkg/provider/stt"
)

const (
	DefaultBaseURL  = "https://api.deepgram.com"
	defaultModel    = "nova-3"
	defaultLanguage = "ko"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "ko", "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords boosts recognition of the given words, such as medication
// names the model would otherwise miss.
func WithKeywords(words ...string) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, words...)
	}
}

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.client.SetBaseURL(strings.TrimRight(u, "/"))
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.client.SetTimeout(d)
	}
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) Option {
	return func(p *Provider) {
		p.client.SetRetryCount(n)
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API.
type Provider struct {
	client   *resty.Client
	model    string
	language string
	keywords []string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	client := resty.New().
		SetBaseURL(DefaultBaseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Token "+apiKey).
		SetHeader("Accept", "application/json")

	p := &Provider{
		client:   client,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type errorResponse struct {
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// Transcribe implements stt.Provider. The WAV is uploaded as the raw
// request body; Deepgram reads the sample rate from its header.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "audio/wav").
		SetQueryParam("model", p.model).
		SetQueryParam("punctuate", "true").
		SetQueryParam("smart_format", "true").
		SetBody(wav)
	if p.language != "" {
		req.SetQueryParam("language", p.language)
	}
	for _, kw := range p.keywords {
		req.QueryParam.Add("keywords", kw)
	}

	var (
		out     listenResponse
		errBody errorResponse
	)
	resp, err := req.SetResult(&out).SetError(&errBody).Post("/v1/listen")
	if err != nil {
		return "", fmt.Errorf("deepgram: request: %w", err)
	}
	if resp.IsError() {
		if errBody.ErrMsg != "" {
			return "", fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode(), errBody.ErrMsg)
		}
		return "", fmt.Errorf("deepgram: HTTP %d", resp.StatusCode())
	}

	ch := out.Results.Channels
	if len(ch) == 0 || len(ch[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(ch[0].Alternatives[0].Transcript), nil
}
