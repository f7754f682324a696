// Package genstore holds clear generations for the worker's response cache.
//
// Every cached response key embeds the generation of its scope ("symbols" or
// "catalogs"). Clearing a scope bumps its generation, which orphans every key
// written before. Orphans are never read again and age out of the provider.
package genstore

import "context"

// GenStore abstracts where generations live.
// Use Local for a single process, or Redis when the response provider is shared.
type GenStore interface {
	// Current returns the generation of scope; unknown scopes start at the store's seed.
	Current(ctx context.Context, scope string) (uint64, error)
	// Snapshot returns generations for many scopes.
	Snapshot(ctx context.Context, scopes []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, scope string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
