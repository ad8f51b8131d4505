// Package cache stores raw event payloads received on the ingestion socket
// until a forwarder drains them.
//
// Every implementation keeps payloads in insertion order, is bounded, and
// evicts the oldest payload when a Put would exceed the bound.
package cache

import (
	"context"
	"iter"
)

// DefaultMaxEntries bounds a cache created with a non-positive limit.
const DefaultMaxEntries = 10000

// EventCache is the contract between the ingestion listener and whatever
// drains the cache.
type EventCache interface {
	// Put appends a payload of any length, including zero. Safe for
	// concurrent use.
	Put(ctx context.Context, payload []byte) error

	// All lazily yields the stored payloads oldest first without removing
	// them. Iteration stops at the first error, which is yielded.
	All(ctx context.Context) iter.Seq2[[]byte, error]
}

// Store is an EventCache that can also report its size and hand out
// payloads for removal.
type Store interface {
	EventCache

	Len(ctx context.Context) (int, error)

	// Drain removes and returns up to max payloads, oldest first.
	Drain(ctx context.Context, max int) ([][]byte, error)

	// Capacity is the entry bound.
	Capacity() int

	Close() error
}
