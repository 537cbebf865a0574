package storage

import (
	"context"
	"errors"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. If the context is cancelled or times out, it should return the context error.
	// Once the underlying sequence is exhausted it returns ErrIteratorDone.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

type staticIterator[T any] struct {
	items []T
}

var _ Iterator[any] = (*staticIterator[any])(nil)

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var val T
	if ctx.Err() != nil {
		return val, ctx.Err()
	}

	if len(s.items) == 0 {
		return val, ErrIteratorDone
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest

	return next, nil
}

func (s *staticIterator[T]) Stop() {}

// NewStaticIterator returns an Iterator that iterates over the provided slice.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{
		items: items,
	}
}

// NewStaticKeyValueIterator returns a KeyValueIterator that iterates over the provided pairs.
func NewStaticKeyValueIterator(kvs []*KeyValue) KeyValueIterator {
	return NewStaticIterator(kvs)
}

// IterateAll drains iter, calling fn for each item, and always stops it.
// It returns the first error that is not ErrIteratorDone.
func IterateAll[T any](ctx context.Context, iter Iterator[T], fn func(T) error) error {
	defer iter.Stop()

	for {
		item, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return nil
			}
			return err
		}

		if err := fn(item); err != nil {
			return err
		}
	}
}

type combinedIterator[T any] struct {
	iter1, iter2 Iterator[T]
}

func (c *combinedIterator[T]) Next(ctx context.Context) (T, error) {
	val, err := c.iter1.Next(ctx)
	if err != nil {
		if !errors.Is(err, ErrIteratorDone) {
			return val, err
		}
	} else {
		return val, nil
	}

	return c.iter2.Next(ctx)
}

func (c *combinedIterator[T]) Stop() {
	c.iter1.Stop()
	c.iter2.Stop()
}

// NewCombinedIterator takes two generic iterators of a given type T and combines them into a single iterator that yields
// all of the values from the first one followed by all of the values of the second one.
func NewCombinedIterator[T any](iter1, iter2 Iterator[T]) Iterator[T] {
	return &combinedIterator[T]{iter1, iter2}
}

// FilterFunc returns true if the item should be returned and false if it should be filtered out.
type FilterFunc[T any] func(item T) bool

type filteredIterator[T any] struct {
	iter   Iterator[T]
	filter FilterFunc[T]
}

var _ Iterator[any] = (*filteredIterator[any])(nil)

// Next returns the next item in the underlying iterator that meets
// the filter function this iterator was constructed with.
func (f *filteredIterator[T]) Next(ctx context.Context) (T, error) {
	for {
		item, err := f.iter.Next(ctx)
		if err != nil {
			return item, err
		}

		if f.filter(item) {
			return item, nil
		}
	}
}

func (f *filteredIterator[T]) Stop() {
	f.iter.Stop()
}

// NewFilteredIterator returns an iterator that filters out all items that don't
// meet the conditions of the provided FilterFunc.
func NewFilteredIterator[T any](iter Iterator[T], filter FilterFunc[T]) Iterator[T] {
	return &filteredIterator[T]{
		iter:   iter,
		filter: filter,
	}
}
