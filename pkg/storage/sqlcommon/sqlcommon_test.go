package sqlcommon

import (
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"

	"github.com/trailcamp/campsites/pkg/storage"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg.Logger)
	require.Equal(t, storage.DefaultMaxKeyValuesPerWrite, cfg.MaxKeyValuesPerWriteFld)
	require.Equal(t, time.Minute, cfg.PingTimeout)
	require.False(t, cfg.ExportMetrics)
}

func TestNewConfigOptions(t *testing.T) {
	cfg := NewConfig(
		WithUsername("ranger"),
		WithPassword("pw"),
		WithMaxKeyValuesPerWrite(10),
		WithMaxOpenConns(30),
		WithMaxIdleConns(5),
		WithConnMaxIdleTime(time.Second),
		WithConnMaxLifetime(time.Hour),
		WithPingTimeout(3*time.Second),
		WithMetrics(),
	)

	require.Equal(t, "ranger", cfg.Username)
	require.Equal(t, "pw", cfg.Password)
	require.Equal(t, 10, cfg.MaxKeyValuesPerWriteFld)
	require.Equal(t, 30, cfg.MaxOpenConns)
	require.Equal(t, 5, cfg.MaxIdleConns)
	require.Equal(t, time.Second, cfg.ConnMaxIdleTime)
	require.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	require.Equal(t, 3*time.Second, cfg.PingTimeout)
	require.True(t, cfg.ExportMetrics)
}

func TestWhereRange(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		query, args, err := sq.Select(KeyColumn).From(TableName).Where(whereRange(storage.PrefixRange("camp_"))).ToSql()
		require.NoError(t, err)
		require.Equal(t, "SELECT record_key FROM records WHERE (record_key >= ? AND record_key < ?)", query)
		require.Equal(t, []interface{}{"camp_", "camp`"}, args)
	})

	t.Run("unbounded", func(t *testing.T) {
		query, args, err := sq.Select(KeyColumn).From(TableName).Where(whereRange(storage.KeyRange{Start: "a"})).ToSql()
		require.NoError(t, err)
		require.Equal(t, "SELECT record_key FROM records WHERE (record_key >= ?)", query)
		require.Equal(t, []interface{}{"a"}, args)
	})
}
