package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// Extension is appended to the entity identifier to form the artifact name.
const Extension = ".json.gz"

// ErrInvalidID indicates an identifier that cannot name an artifact.
var ErrInvalidID = errors.New("invalid entity identifier")

// FileName returns the artifact name for id, e.g. "1027700132195.json.gz".
func FileName(id string) string {
	return id + Extension
}

// validateID rejects identifiers that would escape the artifact directory or
// prefix.
func validateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidID, id)
	}
	return nil
}
