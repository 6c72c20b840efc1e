package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archive keeps a FLAC copy of each captured utterance.
type Archive struct {
	dir string
	now func() time.Time
}

func NewArchive(dir string) *Archive {
	return &Archive{dir: dir, now: time.Now}
}

func (a *Archive) Dir() string { return a.dir }

// Save writes pcm as <dir>/<timestamp>_<captureID>.flac and returns the path.
func (a *Archive) Save(captureID string, pcm []byte) (string, error) {
	if len(pcm) < 2 {
		return "", fmt.Errorf("no audio to archive")
	}
	data, err := EncodePCM(pcm)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.flac", a.now().Format("20060102-150405"), captureID)
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return path, nil
}
