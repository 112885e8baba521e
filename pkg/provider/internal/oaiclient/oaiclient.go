// Package oaiclient builds the OpenAI SDK client shared by the llm, stt and
// tts adapters, so all three agree on authentication, endpoint and retries.
package oaiclient

import (
	"errors"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoAPIKey is returned by [Settings.Client] without an API key.
var ErrNoAPIKey = errors.New("apiKey must not be empty")

// Settings are the connection parameters of one OpenAI-compatible endpoint.
type Settings struct {
	APIKey       string
	BaseURL      string
	Organization string

	// Timeout bounds one HTTP attempt. Ignored when HTTPClient is set.
	Timeout time.Duration

	// MaxRetries is how often the SDK retries 408, 429 and 5xx answers.
	// Zero disables retries.
	MaxRetries int

	HTTPClient *http.Client
}

// Client returns an SDK client for s.
func (s Settings) Client() (oai.Client, error) {
	if s.APIKey == "" {
		return oai.Client{}, ErrNoAPIKey
	}
	return oai.NewClient(s.requestOptions()...), nil
}

func (s Settings) requestOptions() []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		option.WithMaxRetries(s.MaxRetries),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	if s.Organization != "" {
		opts = append(opts, option.WithOrganization(s.Organization))
	}
	switch {
	case s.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(s.HTTPClient))
	case s.Timeout > 0:
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: s.Timeout}))
	}
	return opts
}
