// Package store provides episode state persistence interfaces and implementations.
package store

import (
	"context"
)

// EpisodeStore persists the serialized state of episodes.
//
// Every failure is reported wrapped in domain.ErrStorageFailure. A nil error
// from Save means the write is visible to every later Load.
type EpisodeStore interface {
	// Save stores state for id, replacing any previous value.
	Save(ctx context.Context, id string, state []byte) error

	// Load returns the stored state for id. ok is false when nothing is stored.
	Load(ctx context.Context, id string) (state []byte, ok bool, err error)

	// Delete removes the state for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// ListIDs returns the ids that currently have stored state.
	ListIDs(ctx context.Context) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
