package legacy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectSource opens named files below a CSV source root
type ObjectSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Ping(ctx context.Context) error
}

// LocalObjectSource reads files from a local directory
type LocalObjectSource struct {
	Root string
}

// NewLocalObjectSource creates a source rooted at dir
func NewLocalObjectSource(dir string) *LocalObjectSource {
	return &LocalObjectSource{Root: dir}
}

// Open opens name below the root
func (s *LocalObjectSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Root, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return f, nil
}

// Ping checks that the root is a readable directory
func (s *LocalObjectSource) Ping(_ context.Context) error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return fmt.Errorf("source directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %s is not a directory", s.Root)
	}
	return nil
}
