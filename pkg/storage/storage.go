// Package storage contains storage interfaces and implementations
//
//go:generate mockgen -destination ../../internal/mocks/mock_storage.go -package mocks github.com/trailcamp/campsites/pkg/storage Datastore
package storage

import (
	"bytes"
	"context"
	"fmt"
)

const (
	DefaultMaxKeyValuesPerWrite = 500
)

// KeyValue is a single stored pair. Values are opaque to the datastore.
type KeyValue struct {
	Key   string
	Value []byte
}

// KeyValueIterator is an iterator for KeyValues. It is closed by explicitly calling Stop() or by calling Next() until it
// returns an ErrIteratorDone error.
type KeyValueIterator = Iterator[*KeyValue]

// KeyRange selects the keys k with Start <= k < End, compared byte-wise.
// An empty End leaves the range unbounded above.
type KeyRange struct {
	Start string
	End   string
}

// PrefixRange returns the range holding exactly the keys that start with prefix.
func PrefixRange(prefix string) KeyRange {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return KeyRange{Start: prefix, End: string(end[:i+1])}
		}
	}

	return KeyRange{Start: prefix}
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	if key < r.Start {
		return false
	}
	return r.End == "" || key < r.End
}

// Validate returns ErrInvalidRange when End sorts before Start.
func (r KeyRange) Validate() error {
	if r.End != "" && bytes.Compare([]byte(r.End), []byte(r.Start)) < 0 {
		return fmt.Errorf("%w: end %q sorts before start %q", ErrInvalidRange, r.End, r.Start)
	}
	return nil
}

// RangeReader provides ordered, lazy reads over the keyspace.
type RangeReader interface {
	// ReadRange returns an iterator over the pairs whose keys fall in r, in ascending
	// byte order of key. The iterator is lazy: implementations must not load the whole
	// range into memory. Errors that prevent the scan from starting are returned here;
	// errors that happen mid-scan are returned from Next.
	//
	// The caller must be careful to close the KeyValueIterator, either by consuming the entire iterator or by closing it.
	ReadRange(ctx context.Context, r KeyRange) (KeyValueIterator, error)
}

// Writer mutates the keyspace. The query path never calls it.
type Writer interface {
	// Write upserts every pair in kvs in a single transaction.
	// If there are more than the engine's write limit, it must return ErrExceededWriteBatchLimit.
	Write(ctx context.Context, kvs []*KeyValue) error

	// DeleteRange removes every key that falls in r.
	DeleteRange(ctx context.Context, r KeyRange) error
}

// Datastore is the ordered key-value store backing the service.
type Datastore interface {
	RangeReader
	Writer

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
