package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/privilege"
)

// LastProfileLink always points at the newest collapsed file.
const LastProfileLink = "last_profile.col"

// FileSink writes profile_<end time>.col files into a directory.
type FileSink struct {
	dir      string
	rotating bool
	logger   zerolog.Logger

	mu   sync.Mutex
	last string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates dir if needed. With rotating set only the newest file is kept.
func NewFileSink(dir string, rotating bool, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &FileSink{
		dir:      dir,
		rotating: rotating,
		logger:   logger.With().Str("component", "output").Str("sink", "file").Logger(),
	}, nil
}

// Name returns "file".
func (s *FileSink) Name() string { return "file" }

// Last is the path of the newest file written, or "".
func (s *FileSink) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Write stores p.Text and repoints LastProfileLink at it.
func (s *FileSink) Write(_ context.Context, p Profile) error {
	name := "profile_" + fileTimestamp(p.End) + ".col"
	path := filepath.Join(s.dir, name)
	if err := writeFileAtomic(path, []byte(p.Text)); err != nil {
		return err
	}

	link := filepath.Join(s.dir, LastProfileLink)
	tmpLink := link + ".tmp"
	_ = os.Remove(tmpLink)
	if err := os.Symlink(name, tmpLink); err != nil {
		return fmt.Errorf("linking %s: %w", LastProfileLink, err)
	}
	if err := os.Rename(tmpLink, link); err != nil {
		return fmt.Errorf("replacing %s: %w", LastProfileLink, err)
	}
	for _, f := range []string{path, link} {
		if err := privilege.FixFileOwnership(f); err != nil {
			s.logger.Debug().Err(err).Str("path", f).Msg("Failed to hand profile to the sudo user")
		}
	}

	s.mu.Lock()
	prev := s.last
	s.last = path
	s.mu.Unlock()

	if s.rotating && prev != "" && prev != path {
		if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", prev).Msg("Failed to remove previous profile")
		}
	}
	s.logger.Info().Str("path", path).Int("bytes", len(p.Text)).Msg("Saved collapsed stacks")
	return nil
}

// Close is a no-op.
func (s *FileSink) Close() error { return nil }

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
