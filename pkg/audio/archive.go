package audio

import (
	"fmt"
	"os"
	"path/filepath"
)

// Archive stores user recordings as WAV files in a flat directory.
type Archive struct {
	dir string
}

// NewArchive returns an Archive rooted at dir, creating it if needed.
func NewArchive(dir string) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("audio: archive directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: create archive dir: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// FileName returns the archive name of turn number n of sessionID.
func FileName(sessionID string, n int) string {
	return fmt.Sprintf("%s_%04d.wav", sessionID, n)
}

// Save writes wav under the name of turn n and returns the reference to
// persist with the turn. Writes go through a temp file so a crash never
// leaves a truncated recording behind.
func (a *Archive) Save(sessionID string, n int, wav []byte) (string, error) {
	name := FileName(sessionID, n)
	tmp, err := os.CreateTemp(a.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("audio: archive %s: %w", name, err)
	}
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio: archive %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio: archive %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(a.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio: archive %s: %w", name, err)
	}
	return name, nil
}

// Path resolves a reference returned by Save to a file path.
func (a *Archive) Path(ref string) string {
	return filepath.Join(a.dir, filepath.Base(ref))
}
