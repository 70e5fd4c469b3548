package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrArtifactMissing is returned by Load when nothing is persisted yet.
var ErrArtifactMissing = errors.New("artifact missing")

// Artifacts persists fitted models on disk, one directory per location key.
type Artifacts struct {
	dir string
}

func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir}
}

// Check makes sure the artifacts directory exists and is writable.
func (a *Artifacts) Check() error {
	if a == nil {
		return fmt.Errorf("%w: no artifacts directory configured", ErrModelUnavailable)
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("%w: artifacts dir: %v", ErrModelUnavailable, err)
	}
	f, err := os.CreateTemp(a.dir, ".check-*")
	if err != nil {
		return fmt.Errorf("%w: artifacts dir not writable: %v", ErrModelUnavailable, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}

func (a *Artifacts) Path(key, name string) string {
	return filepath.Join(a.dir, key, name)
}

// Load decodes a persisted artifact into v and returns its modification time.
func (a *Artifacts) Load(key, name string, v any) (time.Time, error) {
	path := a.Path(key, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, ErrArtifactMissing
	}
	if err != nil {
		return time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return info.ModTime(), nil
}

// Save writes v atomically so concurrent readers never see a torn file.
func (a *Artifacts) Save(key, name string, v any) (string, error) {
	path := a.Path(key, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// fresh reports whether an artifact written at mod is still usable.
func fresh(mod time.Time, maxAge time.Duration) bool {
	return maxAge <= 0 || time.Since(mod) < maxAge
}
