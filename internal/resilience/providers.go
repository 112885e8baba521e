package resilience

import (
	"context"

	"github.com/MrWong99/elf/pkg/provider/llm"
	"github.com/MrWong99/elf/pkg/provider/stt"
	"github.com/MrWong99/elf/pkg/provider/tts"
)

// LLMFailover implements [llm.Provider] over a primary backend and spares.
type LLMFailover struct {
	*Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend. Register spares with Add.
func NewLLMFailover(name string, primary llm.Provider, cfg BreakerConfig, opts ...Option) *LLMFailover {
	return &LLMFailover{NewFailover(name, primary, cfg, opts...)}
}

// Complete sends req to the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.Failover, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTFailover implements [stt.Provider] over a primary backend and spares.
type STTFailover struct {
	*Failover[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred
// backend.
func NewSTTFailover(name string, primary stt.Provider, cfg BreakerConfig, opts ...Option) *STTFailover {
	return &STTFailover{NewFailover(name, primary, cfg, opts...)}
}

// Transcribe transcribes wav with the first healthy backend.
func (f *STTFailover) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return Call(ctx, f.Failover, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, wav)
	})
}

// TTSFailover implements [tts.Provider] over a primary backend and spares.
type TTSFailover struct {
	*Failover[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover creates a [TTSFailover] with primary as the preferred
// backend.
func NewTTSFailover(name string, primary tts.Provider, cfg BreakerConfig, opts ...Option) *TTSFailover {
	return &TTSFailover{NewFailover(name, primary, cfg, opts...)}
}

// Synthesize renders text with the first healthy backend.
func (f *TTSFailover) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return Call(ctx, f.Failover, func(ctx context.Context, p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text)
	})
}
