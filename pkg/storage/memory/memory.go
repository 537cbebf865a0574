package memory

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trailcamp/campsites/pkg/storage"
)

var tracer = otel.Tracer("campsites/pkg/storage/memory")

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

const defaultMaxKeyValuesPerWrite = storage.DefaultMaxKeyValuesPerWrite

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
// Keys are kept in a red-black tree ordered byte-wise. Writes build a new tree and swap it in,
// so a scan keeps reading the snapshot it started on. These instances may be safely shared by
// multiple go-routines.
type MemoryBackend struct {
	maxKeyValuesPerWrite int

	tree *redblacktree.Tree // GUARDED_BY(mu)
	mu   sync.RWMutex
}

var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		maxKeyValuesPerWrite: defaultMaxKeyValuesPerWrite,
		tree:                 redblacktree.NewWith(utils.StringComparator),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithMaxKeyValuesPerWrite returns a [StorageOption] that sets the maximum number of pairs allowed in a single write.
func WithMaxKeyValuesPerWrite(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxKeyValuesPerWrite = n }
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

func (s *MemoryBackend) snapshot() *redblacktree.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// ReadRange see [storage.RangeReader].ReadRange.
func (s *MemoryBackend) ReadRange(ctx context.Context, r storage.KeyRange) (storage.KeyValueIterator, error) {
	_, span := tracer.Start(ctx, "memory.ReadRange", trace.WithAttributes(
		attribute.String("start", r.Start),
		attribute.String("end", r.End),
	))
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tree := s.snapshot()
	node, found := tree.Ceiling(r.Start)

	return &rangeIterator{
		it:    tree.IteratorAt(node),
		r:     r,
		empty: !found,
	}, nil
}

// rangeIterator walks a tree snapshot from the first key at or after the range start.
type rangeIterator struct {
	it      redblacktree.Iterator
	r       storage.KeyRange
	empty   bool
	started bool
	done    bool
	mu      sync.Mutex
}

var _ storage.KeyValueIterator = (*rangeIterator)(nil)

// Next see [storage.Iterator].Next.
func (i *rangeIterator) Next(ctx context.Context) (*storage.KeyValue, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.empty || i.done {
		return nil, storage.ErrIteratorDone
	}

	// IteratorAt positions the iterator on the ceiling node already.
	if i.started {
		if !i.it.Next() {
			i.done = true
			return nil, storage.ErrIteratorDone
		}
	}
	i.started = true

	key := i.it.Key().(string)
	if !i.r.Contains(key) {
		i.done = true
		return nil, storage.ErrIteratorDone
	}

	return &storage.KeyValue{Key: key, Value: i.it.Value().([]byte)}, nil
}

// Stop see [storage.Iterator].Stop.
func (i *rangeIterator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.done = true
}

// clone copies the tree structure. Values are shared since they are never mutated in place.
func clone(tree *redblacktree.Tree) *redblacktree.Tree {
	out := redblacktree.NewWith(utils.StringComparator)
	it := tree.Iterator()
	for it.Next() {
		out.Put(it.Key(), it.Value())
	}
	return out
}

// Write see [storage.Writer].Write.
func (s *MemoryBackend) Write(ctx context.Context, kvs []*storage.KeyValue) error {
	_, span := tracer.Start(ctx, "memory.Write", trace.WithAttributes(attribute.Int("count", len(kvs))))
	defer span.End()

	if err := storage.ValidateWrite(kvs, s.maxKeyValuesPerWrite); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := clone(s.tree)
	for _, kv := range kvs {
		value := make([]byte, len(kv.Value))
		copy(value, kv.Value)
		next.Put(kv.Key, value)
	}
	s.tree = next

	return nil
}

// DeleteRange see [storage.Writer].DeleteRange.
func (s *MemoryBackend) DeleteRange(ctx context.Context, r storage.KeyRange) error {
	_, span := tracer.Start(ctx, "memory.DeleteRange")
	defer span.End()

	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := redblacktree.NewWith(utils.StringComparator)
	it := s.tree.Iterator()
	for it.Next() {
		if !r.Contains(it.Key().(string)) {
			next.Put(it.Key(), it.Value())
		}
	}
	s.tree = next

	return nil
}

// Len returns the number of stored pairs.
func (s *MemoryBackend) Len() int {
	return s.snapshot().Size()
}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}
