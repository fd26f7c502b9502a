package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend keeps usage state in a JSON document on disk.
//
// The document maps each key to its record:
//
//	{
//	    "key-1": {
//	        "total_requests": 120,
//	        "today_requests": 99,
//	        "last_used": "2025-03-01T10:00:00Z",
//	        "last_reset": null,
//	        "next_reset": "2025-03-02T11:00:00Z"
//	    }
//	}
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend for the JSON file at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the location of the usage file.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the usage file. A missing file yields ErrNoState.
func (b *FileBackend) Load(_ context.Context) (map[string]*Record, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, b.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}

	records := make(map[string]*Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse usage file %s: %w", b.path, err)
	}
	return records, nil
}

// Save writes the mapping to a temporary file next to the target and renames
// it into place, so readers never observe a half written document.
func (b *FileBackend) Save(_ context.Context, records map[string]*Record) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp usage file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write usage: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync usage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close usage: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replace usage file: %w", err)
	}
	return nil
}
