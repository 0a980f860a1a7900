package voicemail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidRef is returned for audio refs that would escape the store.
var ErrInvalidRef = errors.New("invalid audio ref")

// AudioStore keeps voicemail audio durably, keyed by voicemail id.
type AudioStore interface {
	// Store takes ownership of the file at srcPath and returns a ref that
	// later identifies it. The source file is gone on success.
	Store(ctx context.Context, id, srcPath string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Remove(ctx context.Context, ref string) error
}

// FileStore keeps audio as <dir>/<id>.wav on local disk.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating voicemail directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory audio is stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

// Store moves srcPath into the store. A rename across filesystems falls back
// to copy and remove.
func (s *FileStore) Store(_ context.Context, id, srcPath string) (string, error) {
	ref := id + ".wav"
	dst, err := s.path(ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(srcPath); err != nil {
		return "", fmt.Errorf("recording %s: %w", srcPath, err)
	}
	if err := os.Rename(srcPath, dst); err == nil {
		return ref, nil
	}

	if err := copyFile(srcPath, dst); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copying recording: %w", err)
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing spooled recording: %w", err)
	}
	return ref, nil
}

// Open returns a reader over the stored audio.
func (s *FileStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Remove deletes stored audio. A missing file is not an error.
func (s *FileStore) Remove(_ context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.dir, ref), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
