// Package tts defines the Provider interface for text-to-speech backends.
//
// Elf speaks one reply at a time, so providers are batch: text goes in, a
// complete WAV file comes out and is sent to the client base64-encoded.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"fmt"

	"github.com/MrWong99/elf/pkg/audio"
)

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize renders text as a 16-bit PCM RIFF/WAVE file.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// normalized re-encodes every synthesised WAV in a fixed format.
type normalized struct {
	Provider
	format audio.Format
}

// Normalized wraps p so that every WAV it returns is converted to format.
// Clients that can only play one sample rate rely on this.
func Normalized(p Provider, format audio.Format) Provider {
	return &normalized{Provider: p, format: format}
}

func (n *normalized) Synthesize(ctx context.Context, text string) ([]byte, error) {
	wav, err := n.Provider.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	out, err := audio.NormalizeWAV(wav, n.format)
	if err != nil {
		return nil, fmt.Errorf("tts: normalize output: %w", err)
	}
	return out, nil
}
