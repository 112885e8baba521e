// Package openai provides an LLM provider backed by the OpenAI chat
// completions API, or any server that speaks the same protocol.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/elf/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/elf/pkg/provider/llm"
)

// Option is a functional option for Provider.
type Option func(*oaiclient.Settings)

// WithBaseURL points the provider at another OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *oaiclient.Settings) { s.BaseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(s *oaiclient.Settings) { s.Organization = org }
}

// WithTimeout bounds one HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *oaiclient.Settings) { s.Timeout = d }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
// Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(s *oaiclient.Settings) { s.MaxRetries = n }
}

// WithHTTPClient replaces the HTTP client. Takes precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *oaiclient.Settings) { s.HTTPClient = hc }
}

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// New constructs a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	s := oaiclient.Settings{APIKey: apiKey}
	for _, o := range opts {
		o(&s)
	}
	client, err := s.Client()
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider. The reported model is the dated snapshot
// the server answered with when it names one.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		// Usually a refusal or a length cut before any text.
		return nil, fmt.Errorf("openai: empty reply (finish reason %q)", resp.Choices[0].FinishReason)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &llm.CompletionResponse{
		Content: text,
		Model:   model,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			msgs = append(msgs, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d has unknown role %q", i, m.Role)
		}
	}
	if len(msgs) == 0 {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}
