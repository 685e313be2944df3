package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/ops"
)

// Local is a filesystem-backed Store rooted at a directory. Each write lands
// via a temp file renamed over the target, so readers never observe a
// partially written object.
type Local struct {
	Root string
}

var _ Store = (*Local)(nil)

// NewLocal returns a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Local{Root: dir}, nil
}

func (s *Local) Get(_ context.Context, path string) ([]byte, error) {
	var data, err = os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func (s *Local) Put(_ context.Context, path string, data []byte, _ string) error {
	if err := s.writeAtomic(path, data); err != nil {
		return err
	}
	ops.CommitsTotal.WithLabelValues("local").Inc()
	return nil
}

func (s *Local) PutBatch(_ context.Context, files []File, message string) error {
	// A local batch is not observable mid-write by another pipeline run
	// (runs are one-at-a-time per registry), so sequential atomic renames
	// preserve the batch contract.
	for _, f := range files {
		if err := s.writeAtomic(f.Path, f.Data); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"files":   len(files),
		"message": message,
	}).Debug("local store batch written")
	ops.CommitsTotal.WithLabelValues("local").Inc()
	return nil
}

func (s *Local) Delete(_ context.Context, path string, _ string) error {
	var err = os.Remove(filepath.Join(s.Root, filepath.FromSlash(path)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (s *Local) writeAtomic(path string, data []byte) error {
	var target = filepath.Join(s.Root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
