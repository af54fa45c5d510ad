package statestore

import "context"

// Store is the hierarchical state tree the gateway mirrors station data into.
// Paths are dot-separated segments rooted at the station identity, e.g.
// "CP-1.evse.1.connector.1.status". Implementations must make both operations
// idempotent: EnsureState declares a leaf (with optional unit metadata) and
// SetIfChanged writes a value only when it differs from the stored one.
type Store interface {
	EnsureObject(ctx context.Context, path string) error
	EnsureState(ctx context.Context, path, unit string) error
	SetIfChanged(ctx context.Context, path string, value interface{}) error
}
