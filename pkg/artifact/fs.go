package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const backendFS = "fs"

// FSStore keeps artifacts as files in a single directory.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed and returns a store over it.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *FSStore) Dir() string {
	return s.dir
}

// Path returns the file path of the artifact for id.
func (s *FSStore) Path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

// Exists reports whether the artifact file for id is present.
func (s *FSStore) Exists(_ context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := os.Stat(s.Path(id))
	switch {
	case err == nil:
		observeLookup(backendFS, true)
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		observeLookup(backendFS, false)
		return false, nil
	default:
		ArtifactErrors.WithLabelValues(backendFS, "exists").Inc()
		return false, fmt.Errorf("stat artifact: %w", err)
	}
}

// Put writes the artifact for id. The file only appears under its final name
// once it is completely written.
func (s *FSStore) Put(ctx context.Context, id string, payload []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(payload)
	if err != nil {
		ArtifactErrors.WithLabelValues(backendFS, "put").Inc()
		return err
	}

	if err := s.writeAtomic(s.Path(id), data); err != nil {
		ArtifactErrors.WithLabelValues(backendFS, "put").Inc()
		return err
	}

	ArtifactsWritten.WithLabelValues(backendFS).Inc()
	ArtifactBytes.WithLabelValues(backendFS).Add(float64(len(data)))
	return nil
}

// Get reads and decodes the artifact for id.
func (s *FSStore) Get(_ context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		ArtifactErrors.WithLabelValues(backendFS, "get").Inc()
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	data, err := Decode(f)
	if err != nil {
		ArtifactErrors.WithLabelValues(backendFS, "get").Inc()
		return nil, err
	}
	return data, nil
}

func (s *FSStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
