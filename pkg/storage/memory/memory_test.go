package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/trailcamp/campsites/pkg/storage"
)

func keys(t *testing.T, iter storage.KeyValueIterator) []string {
	t.Helper()

	var out []string
	err := storage.IterateAll(context.Background(), iter, func(kv *storage.KeyValue) error {
		out = append(out, kv.Key)
		return nil
	})
	require.NoError(t, err)
	return out
}

func seeded(t *testing.T, ks ...string) *MemoryBackend {
	t.Helper()

	ds := New()
	var kvs []*storage.KeyValue
	for _, k := range ks {
		kvs = append(kvs, &storage.KeyValue{Key: k, Value: []byte(k)})
	}
	require.NoError(t, ds.Write(context.Background(), kvs))
	return ds
}

func TestReadRange(t *testing.T) {
	ds := seeded(t, "camp_3", "other_1", "camp_1", "camp_10", "camo", "camp_2", "camp`")
	ctx := context.Background()

	t.Run("prefix_in_byte_order", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
		require.NoError(t, err)
		require.Equal(t, []string{"camp_1", "camp_10", "camp_2", "camp_3"}, keys(t, iter))
	})

	t.Run("start_between_keys", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.KeyRange{Start: "camp_15", End: "camp_3"})
		require.NoError(t, err)
		require.Equal(t, []string{"camp_2"}, keys(t, iter))
	})

	t.Run("unbounded_end", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.KeyRange{Start: "camp`"})
		require.NoError(t, err)
		require.Equal(t, []string{"camp`", "other_1"}, keys(t, iter))
	})

	t.Run("start_after_last_key", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.KeyRange{Start: "zzz"})
		require.NoError(t, err)
		require.Empty(t, keys(t, iter))
	})

	t.Run("invalid_range", func(t *testing.T) {
		_, err := ds.ReadRange(ctx, storage.KeyRange{Start: "b", End: "a"})
		require.ErrorIs(t, err, storage.ErrInvalidRange)
	})

	t.Run("stop_ends_iteration", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
		require.NoError(t, err)

		kv, err := iter.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "camp_1", kv.Key)

		iter.Stop()
		_, err = iter.Next(ctx)
		require.ErrorIs(t, err, storage.ErrIteratorDone)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
		require.NoError(t, err)
		defer iter.Stop()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = iter.Next(cancelled)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestWriteUpsertsAndLimits(t *testing.T) {
	ctx := context.Background()
	ds := New(WithMaxKeyValuesPerWrite(2))

	require.NoError(t, ds.Write(ctx, []*storage.KeyValue{{Key: "camp_1", Value: []byte("a")}}))
	require.NoError(t, ds.Write(ctx, []*storage.KeyValue{{Key: "camp_1", Value: []byte("b")}}))
	require.Equal(t, 1, ds.Len())

	iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
	require.NoError(t, err)
	kv, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), kv.Value)
	iter.Stop()

	err = ds.Write(ctx, []*storage.KeyValue{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	})
	require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
}

func TestWriteCopiesValues(t *testing.T) {
	ctx := context.Background()
	ds := New()

	value := []byte("original")
	require.NoError(t, ds.Write(ctx, []*storage.KeyValue{{Key: "camp_1", Value: value}}))
	copy(value, "mutated!")

	iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
	require.NoError(t, err)
	defer iter.Stop()

	kv, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), kv.Value)
}

func TestDeleteRange(t *testing.T) {
	ctx := context.Background()
	ds := seeded(t, "camp_1", "camp_2", "other_1")

	require.NoError(t, ds.DeleteRange(ctx, storage.PrefixRange("camp_")))
	require.Equal(t, 1, ds.Len())

	iter, err := ds.ReadRange(ctx, storage.KeyRange{})
	require.NoError(t, err)
	require.Equal(t, []string{"other_1"}, keys(t, iter))
}

func TestScanSeesStableSnapshot(t *testing.T) {
	ctx := context.Background()
	ds := seeded(t, "camp_1", "camp_2", "camp_3")

	iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
	require.NoError(t, err)

	first, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "camp_1", first.Key)

	require.NoError(t, ds.DeleteRange(ctx, storage.PrefixRange("camp_")))
	require.NoError(t, ds.Write(ctx, []*storage.KeyValue{{Key: "camp_15", Value: []byte("new")}}))

	require.Equal(t, []string{"camp_2", "camp_3"}, keys(t, iter))
}

func TestConcurrentScansAndWrites(t *testing.T) {
	ctx := context.Background()
	ds := seeded(t, "camp_0")

	var g errgroup.Group
	for i := 1; i <= 20; i++ {
		g.Go(func() error {
			return ds.Write(ctx, []*storage.KeyValue{{Key: fmt.Sprintf("camp_%02d", i), Value: []byte("v")}})
		})
		g.Go(func() error {
			iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
			if err != nil {
				return err
			}

			prev := ""
			return storage.IterateAll(ctx, iter, func(kv *storage.KeyValue) error {
				if kv.Key <= prev {
					return fmt.Errorf("keys out of order: %q after %q", kv.Key, prev)
				}
				prev = kv.Key
				return nil
			})
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, 21, ds.Len())
}

func TestIsReady(t *testing.T) {
	status, err := New().IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsReady)
}
