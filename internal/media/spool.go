// Package media is the local stand-in for the external upload storage: a
// flat spool directory holding the image and audio bytes a batch needs at
// submission time. Only opaque refs travel on the batch record, so the
// engine can resubmit after a resume or a restart without re-uploading.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Source is what the engine needs: the bytes behind a ref.
type Source interface {
	Open(ref string) ([]byte, error)
}

type Spool struct {
	dir string
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Save writes the payload under a generated name and returns its ref. The
// original filename survives only as a sanitized suffix for operability.
func (s *Spool) Save(name string, data []byte) (string, error) {
	ref := uuid.NewString() + "-" + sanitize(name)
	if err := os.WriteFile(filepath.Join(s.dir, ref), data, 0o644); err != nil {
		return "", fmt.Errorf("spool %s: %w", name, err)
	}
	return ref, nil
}

func (s *Spool) Open(ref string) ([]byte, error) {
	if ref == "" || ref != filepath.Base(ref) {
		return nil, fmt.Errorf("invalid media ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("open media ref %s: %w", ref, err)
	}
	return data, nil
}

func sanitize(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." {
		out = "file"
	}
	return out
}
