package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileName is the file used by FileStorage for persisted events.
const FileName = DefaultName + ".json"

// FileStorage persists the payload in a single file inside an application-private directory.
// Writes go through a temporary file and a rename so a crash never leaves a half-written file.
type FileStorage struct {
	dir  string
	name string
}

// DefaultDir returns the per-user application directory used when no directory is configured.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve config dir: %w", ErrStorage, err)
	}
	return filepath.Join(base, "beacon"), nil
}

// NewFileStorage returns a FileStorage rooted at dir. An empty dir selects DefaultDir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	return &FileStorage{dir: filepath.Clean(dir), name: FileName}, nil
}

// Path returns the full path of the persisted file.
func (s *FileStorage) Path() string { return filepath.Join(s.dir, s.name) }

func (s *FileStorage) Load(_ context.Context) ([]byte, bool, error) {
	b, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %w", ErrStorage, s.Path(), err)
	}
	return b, true, nil
}

func (s *FileStorage) Save(_ context.Context, payload []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: create dir %s: %w", ErrStorage, s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, s.name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write %s: %w", ErrStorage, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync %s: %w", ErrStorage, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close %s: %w", ErrStorage, tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename to %s: %w", ErrStorage, s.Path(), err)
	}
	return nil
}

func (s *FileStorage) Delete(_ context.Context) error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrStorage, s.Path(), err)
	}
	return nil
}

func (s *FileStorage) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(s.Path())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %w", ErrStorage, s.Path(), err)
}

// Quarantine renames the persisted file to <name>.corrupt, replacing an older quarantined copy.
func (s *FileStorage) Quarantine(_ context.Context) error {
	if err := os.Rename(s.Path(), s.Path()+CorruptSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: quarantine %s: %w", ErrStorage, s.Path(), err)
	}
	return nil
}

func (s *FileStorage) Close() error { return nil }
