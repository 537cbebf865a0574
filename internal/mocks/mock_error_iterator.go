package mocks

import (
	"context"
	"errors"

	"github.com/trailcamp/campsites/pkg/storage"
)

// ErrSimulatedIterator is returned by iterators built with NewErrorIterator.
var ErrSimulatedIterator = errors.New("simulated iterator error")

// errorIterator is a mock iterator that yields its items and then fails instead of finishing.
type errorIterator[T any] struct {
	items   []T
	stopped bool
}

func (s *errorIterator[T]) Next(ctx context.Context) (T, error) {
	var val T

	if ctx.Err() != nil {
		return val, ctx.Err()
	}

	if len(s.items) == 0 {
		return val, ErrSimulatedIterator
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest

	return next, nil
}

func (s *errorIterator[T]) Stop() {
	s.stopped = true
}

// NewErrorIterator mocks a scan that fails mid-way: every pair in kvs is returned and
// the following Next returns ErrSimulatedIterator.
func NewErrorIterator(kvs []*storage.KeyValue) storage.KeyValueIterator {
	return &errorIterator[*storage.KeyValue]{
		items: kvs,
	}
}
