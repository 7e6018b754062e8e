// Package store implements the Volatile Store: the linearizable
// key/value, hash, set, and sorted-set primitives every room-scoped
// coordination in this repository is built on, plus the eval and lock
// primitives the legal-vote ballot transaction and room-destroy
// transaction require.
//
// Two backends satisfy Store: Memory (single-instance, in-process) and
// Redis (networked, shared across instances).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HashGet when the key or field is absent.
var ErrNotFound = errors.New("store: not found")

// Guard represents a held room lock. It must be released exactly once,
// on every control-flow path (success, error, or cancellation).
type Guard struct {
	Key   string
	Token string
}

// Store is the full volatile-store surface. Every method is
// linearizable against other calls touching the same key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	HashSet(ctx context.Context, key, field, value string) error
	HashGet(ctx context.Context, key, field string) (string, error)
	HashDel(ctx context.Context, key, field string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetAdd(ctx context.Context, key, value string) error
	SetRemove(ctx context.Context, key, value string) error
	SetIsMember(ctx context.Context, key, value string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	ListAppend(ctx context.Context, key, value string) error
	ListRange(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZRange(ctx context.Context, key string) ([]ZMember, error)
	ZRem(ctx context.Context, key, member string) error

	// Eval runs fn as a single atomic step: a snapshot of the store is
	// held exclusive for the duration of fn, and fn's effect is applied
	// all-or-nothing. fn must not itself call back into Eval.
	Eval(ctx context.Context, keys []string, fn func(tx Tx) (any, error)) (any, error)

	// Lock acquires a reentrant-by-reacquisition lock scoped to a
	// SignalingRoomId. Returns a "store: locked" error on contention
	// once timeout has elapsed without acquiring the lock.
	Lock(ctx context.Context, roomKey string, timeout time.Duration) (*Guard, error)
	Unlock(ctx context.Context, guard *Guard) error

	// Close releases backend resources (connections, goroutines).
	Close() error

	// Ping reports backend connectivity for the readiness probe.
	Ping(ctx context.Context) error
}

// ZMember is one entry of a sorted-set range, in ascending score order.
type ZMember struct {
	Member string
	Score  float64
}

// Tx is the restricted view of the store available inside Eval: plain
// reads/writes against the same in-memory (or server-side scripted)
// snapshot, with no further locking or nested transactions.
type Tx interface {
	Get(key string) (string, error)
	Set(key, value string)
	Del(key string)
	HashSet(key, field, value string)
	HashGet(key, field string) (string, error)
	HashGetAll(key string) map[string]string
	SetAdd(key, value string)
	SetRemove(key, value string)
	SetMembers(key string) []string
	SetCard(key string) int
	ListAppend(key string, value string)
	ListAll(key string) []string
}
