// Package stt defines the Provider interface for speech-to-text backends.
//
// Elf transcribes one complete utterance per human_cvs frame, so providers
// are batch: a WAV file goes in, text comes out.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe returns the text spoken in wav, a 16-bit PCM RIFF/WAVE file.
	// An utterance with no recognisable speech yields "" and a nil error.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
