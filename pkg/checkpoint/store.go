// Package checkpoint persists model parameter snapshots in a key-value store
// and tracks the best snapshot of a run by a development metric.
//
// Keys are hierarchical paths such as ["run", "<id>", "best", "model"],
// encoded with ':' between segments. Values are msgpack documents. A
// BadgerDB store is used on disk; the in-memory store serves tests.
package checkpoint

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("checkpoint: not found")

// Key is a hierarchical path of string segments. Segments must not contain
// ':'.
type Key []string

func (k Key) String() string {
	return strings.Join(k, ":")
}

func (k Key) encode() []byte {
	return []byte(k.String())
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), ":"))
}

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys.
type Store interface {
	// Get returns ErrNotFound if key is not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key Key) error

	// List iterates entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	Close() error
}

// listPrefix returns the encoded prefix with a trailing separator so that
// "a:b" does not match "a:bc". An empty prefix matches everything.
func listPrefix(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(prefix.encode(), ':')
}
