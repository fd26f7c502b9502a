// Package listfile reads and rewrites newline separated lists such as the
// OGRN list and the access key list.
package listfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadLines returns the trimmed, non-empty lines of the file at path in order.
// Duplicates are kept.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// KeyFile is a list of access keys, one per line, that can drop a key in place.
type KeyFile struct {
	path string
}

// NewKeyFile returns a KeyFile for path.
func NewKeyFile(path string) *KeyFile {
	return &KeyFile{path: path}
}

// Path returns the file location.
func (k *KeyFile) Path() string {
	return k.path
}

// Load returns the keys in file order.
func (k *KeyFile) Load() ([]string, error) {
	return ReadLines(k.path)
}

// Remove rewrites the file without the lines equal to key. Other lines,
// including blank ones, are kept byte for byte. A missing file or a key that
// is not present leaves the file untouched. Reports whether a line was removed.
func (k *KeyFile) Remove(_ context.Context, key string) (bool, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read key file: %w", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == key {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == len(lines) {
		return false, nil
	}

	if err := writeAtomic(k.path, []byte(strings.Join(kept, ""))); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
