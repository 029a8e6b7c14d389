// Package artifacts persists successful build outputs under a single root,
// one file per job named after the job id.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("artifact not found")

// Mirror copies a stored artifact to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, name, path string) error
}

type Option func(*Store)

func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

type Store struct {
	root   string
	ext    string
	mirror Mirror
}

// NewStore creates root if needed. ext is appended to job ids to form
// artifact file names, e.g. ".apk".
func NewStore(root, ext string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("artifact root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	s := &Store{root: abs, ext: ext}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// Name is the deterministic artifact file name for id.
func (s *Store) Name(id string) string { return id + s.ext }

// Reserve returns the destination path for id, removing any file already
// there.
func (s *Store) Reserve(id string) (string, error) {
	path, err := s.path(id)
	if err != nil {
		return "", err
	}
	if err := s.Discard(id); err != nil {
		return "", err
	}
	return path, nil
}

// Discard removes the artifact for id if there is one.
func (s *Store) Discard(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (s *Store) Exists(id string) bool {
	_, err := s.ResolveForDownload(id)
	return err == nil
}

func (s *Store) ResolveForDownload(id string) (string, error) {
	path, err := s.path(id)
	if err != nil {
		return "", ErrNotFound
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// Publish hands a stored artifact to the configured mirror, if any.
func (s *Store) Publish(ctx context.Context, id string) error {
	if s.mirror == nil {
		return nil
	}
	path, err := s.ResolveForDownload(id)
	if err != nil {
		return err
	}
	if err := s.mirror.Upload(ctx, s.Name(id), path); err != nil {
		return fmt.Errorf("mirror artifact: %w", err)
	}
	slog.Info("artifact mirrored", "job_id", id, "name", s.Name(id))
	return nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(s.root, s.Name(id)), nil
}
