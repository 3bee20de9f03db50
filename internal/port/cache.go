package port

import (
	"context"
	"time"
)

// Cache is the volatile key/value layer for expensive derived results.
// Dropping any entry at any time is always safe: everything stored here can
// be re-derived from the working copy or the durable store.
type Cache interface {
	// Get returns the payload for key, reporting whether it was present
	// and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores payload under key for ttl.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Invalidate drops every entry whose key starts with prefix.
	Invalidate(ctx context.Context, prefix string) error
}
