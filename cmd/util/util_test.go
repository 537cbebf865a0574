package util

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	serverconfig "github.com/trailcamp/campsites/internal/server/config"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage/codec"
	"github.com/trailcamp/campsites/pkg/storage/memory"
	"github.com/trailcamp/campsites/pkg/storage/sqlite"
)

func TestNewDatastore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		ds, err := NewDatastore(serverconfig.DefaultConfig().Datastore, logger.NewNoopLogger())
		require.NoError(t, err)
		defer ds.Close()
		require.IsType(t, &memory.MemoryBackend{}, ds)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := serverconfig.DefaultConfig().Datastore
		cfg.Engine = "sqlite"
		cfg.URI = "file:" + filepath.Join(t.TempDir(), "campsites.db")

		ds, err := NewDatastore(cfg, logger.NewNoopLogger())
		require.NoError(t, err)
		defer ds.Close()
		require.IsType(t, &sqlite.Datastore{}, ds)

		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.False(t, status.IsReady)
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := serverconfig.DefaultConfig().Datastore
		cfg.Engine = "lmdb"

		_, err := NewDatastore(cfg, logger.NewNoopLogger())
		require.EqualError(t, err, "storage engine 'lmdb' is unsupported")
	})
}

func TestNewCodec(t *testing.T) {
	cfg := serverconfig.DefaultConfig().Datastore
	cfg.Compression = "zstd"

	c, err := NewCodec(cfg)
	require.NoError(t, err)
	require.Equal(t, codec.ZSTD, c.Kind())

	cfg.Compression = "gzip"
	_, err = NewCodec(cfg)
	require.Error(t, err)
}
