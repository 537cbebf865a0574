// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	serverconfig "github.com/trailcamp/campsites/internal/server/config"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/codec"
	"github.com/trailcamp/campsites/pkg/storage/memory"
	"github.com/trailcamp/campsites/pkg/storage/mysql"
	"github.com/trailcamp/campsites/pkg/storage/postgres"
	"github.com/trailcamp/campsites/pkg/storage/sqlcommon"
	"github.com/trailcamp/campsites/pkg/storage/sqlite"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// NewDatastore opens the datastore engine named in config.
func NewDatastore(config serverconfig.DatastoreConfig, l logger.Logger) (storage.Datastore, error) {
	datastoreOptions := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(config.Username),
		sqlcommon.WithPassword(config.Password),
		sqlcommon.WithLogger(l),
		sqlcommon.WithMaxKeyValuesPerWrite(config.MaxKeyValuesPerWrite),
		sqlcommon.WithMaxOpenConns(config.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.ConnMaxLifetime),
	}

	if config.Metrics.Enabled {
		datastoreOptions = append(datastoreOptions, sqlcommon.WithMetrics())
	}

	dsCfg := sqlcommon.NewConfig(datastoreOptions...)

	var (
		datastore storage.Datastore
		err       error
	)
	switch config.Engine {
	case "memory":
		datastore = memory.New(memory.WithMaxKeyValuesPerWrite(config.MaxKeyValuesPerWrite))
	case "sqlite":
		datastore, err = sqlite.New(config.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
	case "postgres":
		datastore, err = postgres.New(config.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
	case "mysql":
		datastore, err = mysql.New(config.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize mysql datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Engine)
	}

	return datastore, nil
}

// NewCodec returns the value codec for the configured compression.
func NewCodec(config serverconfig.DatastoreConfig) (*codec.Codec, error) {
	kind, err := codec.ParseKind(config.Compression)
	if err != nil {
		return nil, err
	}
	return codec.New(kind), nil
}

func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/campsites/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/campsites/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".campsites")
	require.NoError(t, os.Mkdir(confdir, 0750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	confFile, err := os.Create(filepath.Join(confdir, "config.yaml"))
	require.NoError(t, err)
	_, err = confFile.WriteString(config)
	require.NoError(t, err)
	require.NoError(t, confFile.Close())
}
