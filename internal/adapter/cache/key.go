// Package cache provides the volatile key/value layer for expensive derived
// results. Entries carry a TTL and may be dropped at any time; the durable
// store is never the same source of truth as this layer.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key builds a deterministic cache key from an operation name and its
// arguments. Arguments keep their position and are length-prefixed in the
// digest, so two calls share a key only when every argument matches in place.
func Key(op string, args ...string) string {
	h := sha256.New()
	for _, a := range args {
		a = strings.TrimSpace(a)
		fmt.Fprintf(h, "%d:%s;", len(a), a)
	}
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// RepoPrefix is the key prefix shared by every cached result derived from a
// single repository. Invalidating it after a sync drops all of them.
func RepoPrefix(op, repoID string) string {
	return op + ":" + repoID + ":"
}

// RepoKey builds a repository-scoped key so it can be invalidated by prefix.
func RepoKey(op, repoID string, args ...string) string {
	return RepoPrefix(op, repoID) + Key(op, args...)
}
