// Package results writes per-example prediction records as JSON lines to a
// FileStore. A results file can be reopened to resume an interrupted
// evaluation from the first missing example.
package results

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
type FileStore interface {
	// Read opens the named file. A missing file yields an error wrapping
	// os.ErrNotExist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or truncates the named file. The caller must close the
	// writer to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file; a missing file is not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}

// Local is a FileStore rooted at a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) resolve(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *Local) Read(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.resolve(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *Local) Write(_ context.Context, path string) (io.WriteCloser, error) {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *Local) Delete(_ context.Context, path string) error {
	err := os.Remove(l.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var _ FileStore = (*Local)(nil)
