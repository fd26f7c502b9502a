package artifact

import (
	"context"
	"errors"
)

// ErrNotFound indicates no artifact exists for the identifier.
var ErrNotFound = errors.New("artifact not found")

// Store persists one artifact per entity identifier.
type Store interface {
	// Exists reports whether an artifact for id has been written.
	Exists(ctx context.Context, id string) (bool, error)

	// Put encodes payload and writes it as the artifact for id, replacing
	// any previous artifact.
	Put(ctx context.Context, id string, payload []byte) error

	// Get returns the decoded JSON document stored for id, or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)
}

var (
	_ Store = (*FSStore)(nil)
	_ Store = (*S3Store)(nil)
)
