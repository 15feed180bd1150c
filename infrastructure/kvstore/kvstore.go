// Package kvstore provides the shared key-value store abstraction used for
// ephemeral coordination state: rate-limit buckets, replay nonces, the
// deadline schedule, and webhook dispatch locking. The database owns every
// persistent entity; this package owns only state that is safe to lose and
// rebuild (nonces expire, buckets refill, the deadline queue is rebuilt from
// the database at startup).
package kvstore

import (
	"context"
	"time"
)

// Store is the minimal set of atomic primitives this core's background
// coordination needs. It is implemented by a Redis-backed client in
// production and an in-memory fake for tests.
type Store interface {
	// SetNX atomically sets key to value if it does not already exist,
	// with the given expiration. It returns true if the key was set.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Eval runs a Lua script atomically, returning its result. Used for the
	// rate-limit bucket's load-refill-decrement compare-and-set.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// ZAdd inserts or updates a sorted-set member's score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes a member from a sorted set. Idempotent.
	ZRem(ctx context.Context, key string, member string) error

	// ZPopMinBlocking blocks until the minimum-scored member of key is
	// available or ctx is cancelled/the timeout elapses, returning the
	// member and its score. ok is false on timeout.
	ZPopMinBlocking(ctx context.Context, key string, timeout time.Duration) (member string, score float64, ok bool, err error)

	// ZPeekMin returns the minimum member of key and its score without
	// popping it. ok is false when key is empty.
	ZPeekMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)

	// Close releases any underlying connection resources.
	Close() error
}

// notFoundError is returned by lookups that find no value.
type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "kvstore: key not found: " + e.key }

// IsNotFound reports whether err represents a missing key.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
