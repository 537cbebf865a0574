package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/sqlcommon"
)

func newDatastore(t *testing.T, migrate bool) *Datastore {
	t.Helper()

	uri := "file:" + filepath.Join(t.TempDir(), "campsites.db")
	if migrate {
		err := NewMigrationProvider().RunMigrations(context.Background(), storage.MigrationConfig{
			Engine: engine,
			URI:    uri,
		})
		require.NoError(t, err)
	}

	ds, err := New(uri, sqlcommon.NewConfig(sqlcommon.WithMaxKeyValuesPerWrite(4)))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	return ds
}

func scanKeys(t *testing.T, ds storage.RangeReader, r storage.KeyRange) []string {
	t.Helper()

	iter, err := ds.ReadRange(context.Background(), r)
	require.NoError(t, err)

	var out []string
	err = storage.IterateAll(context.Background(), iter, func(kv *storage.KeyValue) error {
		out = append(out, kv.Key)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSQLiteDatastore(t *testing.T) {
	ctx := context.Background()
	ds := newDatastore(t, true)

	status, err := ds.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, status.IsReady)

	err = ds.Write(ctx, []*storage.KeyValue{
		{Key: "camp_3", Value: []byte("three")},
		{Key: "camp_10", Value: []byte("ten")},
		{Key: "other_1", Value: []byte("other")},
		{Key: "camp_1", Value: []byte("one")},
	})
	require.NoError(t, err)

	t.Run("range_scan_in_byte_order_bounded_to_prefix", func(t *testing.T) {
		require.Equal(t, []string{"camp_1", "camp_10", "camp_3"}, scanKeys(t, ds, storage.PrefixRange("camp_")))
	})

	t.Run("unbounded_range", func(t *testing.T) {
		require.Equal(t, []string{"camp_1", "camp_10", "camp_3", "other_1"}, scanKeys(t, ds, storage.KeyRange{}))
	})

	t.Run("write_upserts", func(t *testing.T) {
		require.NoError(t, ds.Write(ctx, []*storage.KeyValue{{Key: "camp_1", Value: []byte("uno")}}))

		iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_1"))
		require.NoError(t, err)
		defer iter.Stop()

		kv, err := iter.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "camp_1", kv.Key)
		require.Equal(t, []byte("uno"), kv.Value)
	})

	t.Run("write_limit", func(t *testing.T) {
		kvs := make([]*storage.KeyValue, 5)
		for i := range kvs {
			kvs[i] = &storage.KeyValue{Key: "k", Value: []byte("v")}
		}
		require.ErrorIs(t, ds.Write(ctx, kvs), storage.ErrExceededWriteBatchLimit)
	})

	t.Run("stop_before_exhaustion", func(t *testing.T) {
		iter, err := ds.ReadRange(ctx, storage.PrefixRange("camp_"))
		require.NoError(t, err)

		_, err = iter.Next(ctx)
		require.NoError(t, err)
		iter.Stop()

		_, err = iter.Next(ctx)
		require.ErrorIs(t, err, storage.ErrIteratorDone)
	})

	t.Run("invalid_range", func(t *testing.T) {
		_, err := ds.ReadRange(ctx, storage.KeyRange{Start: "z", End: "a"})
		require.ErrorIs(t, err, storage.ErrInvalidRange)
	})

	t.Run("delete_range", func(t *testing.T) {
		require.NoError(t, ds.DeleteRange(ctx, storage.PrefixRange("camp_")))
		require.Equal(t, []string{"other_1"}, scanKeys(t, ds, storage.KeyRange{}))
	})
}

func TestReadRangeWithoutSchemaFailsBeforeIterating(t *testing.T) {
	ds := newDatastore(t, false)

	_, err := ds.ReadRange(context.Background(), storage.PrefixRange("camp_"))
	require.ErrorContains(t, err, "sql error")
}

func TestIsReadyRequiresMigrations(t *testing.T) {
	ds := newDatastore(t, false)

	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.False(t, status.IsReady)
	require.Contains(t, status.Message, "Run 'campsites migrate'")
}

func TestMigrationVersion(t *testing.T) {
	ctx := context.Background()
	cfg := storage.MigrationConfig{
		Engine: engine,
		URI:    "file:" + filepath.Join(t.TempDir(), "migrate.db"),
	}

	provider := NewMigrationProvider()
	require.Equal(t, engine, provider.GetSupportedEngine())
	require.NoError(t, provider.RunMigrations(ctx, cfg))

	version, err := provider.GetCurrentVersion(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestPrepareDSN(t *testing.T) {
	t.Run("adds_defaults", func(t *testing.T) {
		uri, err := PrepareDSN("file:campsites.db")
		require.NoError(t, err)
		require.Equal(t, "file:campsites.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28500%29&_txlock=immediate", uri)
	})

	t.Run("keeps_explicit_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("file:campsites.db?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5)&_txlock=deferred")
		require.NoError(t, err)
		require.Equal(t, "file:campsites.db?_pragma=journal_mode%28DELETE%29&_pragma=busy_timeout%285%29&_txlock=deferred", uri)
	})
}
