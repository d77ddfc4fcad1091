// Package local implements a filesystem blob store rooted at one directory.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrPathTraversal is returned for object paths that escape the base directory.
var ErrPathTraversal = errors.New("path traversal detected")

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts below BaseDir on an afero filesystem.
type BlobStore struct {
	fs      afero.Fs
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(fs afero.Fs, cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	info, err := fs.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := fs.MkdirAll(cfg.BaseDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := afero.WriteFile(fs, testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := fs.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{fs: fs, baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the cleaned root directory.
func (s *BlobStore) BaseDir() string { return s.baseDir }

// Resolve maps a relative object path to a full path inside the base
// directory.
func (s *BlobStore) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve %q: %w", path, ErrPathTraversal)
	}
	return full, nil
}

// Exists reports whether an object is already stored at path.
func (s *BlobStore) Exists(path string) (bool, error) {
	full, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, full)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", full, err)
	}
	return ok, nil
}

// PutStream copies at most limit bytes from r into path and returns the
// full path and the number of bytes written. A non-positive limit means
// unbounded. The partial file is removed when the copy fails.
func (s *BlobStore) PutStream(ctx context.Context, path string, r io.Reader, limit int64) (string, int64, error) {
	full, err := s.Resolve(path)
	if err != nil {
		return "", 0, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create parent directories: %w", err)
	}
	file, err := s.fs.Create(full)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file: %w", err)
	}

	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	written, copyErr := io.Copy(file, contextReader{ctx: ctx, r: r})
	closeErr := file.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.fs.Remove(full)
		return "", written, fmt.Errorf("failed to write file: %w", err)
	}
	return full, written, nil
}

// PutObject writes data to path and returns the full path.
func (s *BlobStore) PutObject(ctx context.Context, path string, data []byte) (string, error) {
	full, _, err := s.PutStream(ctx, path, bytes.NewReader(data), 0)
	return full, err
}

// Remove deletes the object at the full path returned by PutStream.
func (s *BlobStore) Remove(full string) error {
	if err := s.fs.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", full, err)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
