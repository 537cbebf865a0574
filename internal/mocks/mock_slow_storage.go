package mocks

import (
	"context"
	"time"

	"github.com/trailcamp/campsites/pkg/storage"
)

// slowDataStorage is a proxy to the actual ds except that every pulled pair is delayed by readDelay.
// This allows simulating a store whose scans block on I/O.
type slowDataStorage struct {
	readDelay time.Duration
	storage.Datastore
}

// NewMockSlowDataStorage returns a wrapper of a datastore that adds artificial delays into range scans.
func NewMockSlowDataStorage(ds storage.Datastore, readDelay time.Duration) storage.Datastore {
	return &slowDataStorage{
		readDelay: readDelay,
		Datastore: ds,
	}
}

func (m *slowDataStorage) Close() {}

func (m *slowDataStorage) ReadRange(ctx context.Context, r storage.KeyRange) (storage.KeyValueIterator, error) {
	iter, err := m.Datastore.ReadRange(ctx, r)
	if err != nil {
		return nil, err
	}
	return &slowIterator{KeyValueIterator: iter, delay: m.readDelay}, nil
}

type slowIterator struct {
	storage.KeyValueIterator
	delay time.Duration
}

func (s *slowIterator) Next(ctx context.Context) (*storage.KeyValue, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.KeyValueIterator.Next(ctx)
}
