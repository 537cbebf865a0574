package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/internal/build"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
)

var tracer = otel.Tracer("campsites/pkg/storage/sqlcommon")

const (
	// TableName is the table holding every stored pair.
	TableName   = "records"
	KeyColumn   = "record_key"
	ValueColumn = "record_value"
)

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username                string
	Password                string
	Logger                  logger.Logger
	MaxKeyValuesPerWriteFld int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// PingTimeout bounds how long New waits for the database to answer.
	PingTimeout time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxKeyValuesPerWrite returns a DatastoreOption that sets
// the maximum number of pairs per write in the Config.
func WithMaxKeyValuesPerWrite(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxKeyValuesPerWriteFld = n
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithPingTimeout returns a DatastoreOption that bounds the initial connection retries.
func WithPingTimeout(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.PingTimeout = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.MaxKeyValuesPerWriteFld == 0 {
		cfg.MaxKeyValuesPerWriteFld = storage.DefaultMaxKeyValuesPerWrite
	}

	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = time.Minute
	}

	return cfg
}

// ConfigureDB applies the pool settings, waits for the database to answer and registers
// the connection stats collector when metrics are enabled.
func ConfigureDB(db *sql.DB, engine string, cfg *Config) (prometheus.Collector, error) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.PingTimeout
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for "+engine, zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", engine, err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// SQLKeyValueIterator streams rows of a range query. Rows are pulled from the
// driver one at a time; nothing is buffered beyond what the driver holds.
type SQLKeyValueIterator struct {
	rows           *sql.Rows // GUARDED_BY(mu)
	handleSQLError errorHandlerFn
	done           bool // GUARDED_BY(mu)
	mu             sync.Mutex
}

// Ensures that SQLKeyValueIterator implements the KeyValueIterator interface.
var _ storage.KeyValueIterator = (*SQLKeyValueIterator)(nil)

// Next see [storage.Iterator].Next.
func (t *SQLKeyValueIterator) Next(ctx context.Context) (*storage.KeyValue, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, storage.ErrIteratorDone
	}

	if !t.rows.Next() {
		t.done = true
		err := t.rows.Err()
		_ = t.rows.Close()
		if err != nil {
			return nil, t.handleSQLError(err)
		}
		return nil, storage.ErrIteratorDone
	}

	var kv storage.KeyValue
	if err := t.rows.Scan(&kv.Key, &kv.Value); err != nil {
		return nil, t.handleSQLError(err)
	}

	return &kv, nil
}

// Stop terminates iteration.
func (t *SQLKeyValueIterator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done = true
	_ = t.rows.Close()
}

// DBInfo encapsulates DB information for use in common method.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	upsertSuffix   string
	HandleSQLError errorHandlerFn
}

type errorHandlerFn func(error, ...interface{}) error

// NewDBInfo constructs a [DBInfo] object. upsertSuffix is appended to the insert
// statement so that writing an existing key replaces its value.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect, upsertSuffix string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		upsertSuffix:   upsertSuffix,
		HandleSQLError: errorHandler,
	}
}

func whereRange(r storage.KeyRange) sq.Sqlizer {
	conds := sq.And{sq.GtOrEq{KeyColumn: r.Start}}
	if r.End != "" {
		conds = append(conds, sq.Lt{KeyColumn: r.End})
	}
	return conds
}

// ReadRange issues the range query immediately, so connection and syntax errors are reported
// to the caller before any row is consumed, and returns an iterator over the result rows.
func ReadRange(ctx context.Context, dbInfo *DBInfo, r storage.KeyRange) (*SQLKeyValueIterator, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReadRange", trace.WithAttributes(
		attribute.String("start", r.Start),
		attribute.String("end", r.End),
	))
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, err
	}

	rows, err := dbInfo.stbl.
		Select(KeyColumn, ValueColumn).
		From(TableName).
		Where(whereRange(r)).
		OrderBy(KeyColumn).
		QueryContext(ctx)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	return &SQLKeyValueIterator{
		rows:           rows,
		handleSQLError: dbInfo.HandleSQLError,
	}, nil
}

// Write provides the common method for upserting pairs across sql storage.
func Write(ctx context.Context, dbInfo *DBInfo, kvs []*storage.KeyValue, maxKeyValuesPerWrite int) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Write", trace.WithAttributes(attribute.Int("count", len(kvs))))
	defer span.End()

	if err := storage.ValidateWrite(kvs, maxKeyValuesPerWrite); err != nil {
		return err
	}

	if len(kvs) == 0 {
		// Nothing to do.
		return nil
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	insertBuilder := dbInfo.stbl.
		Insert(TableName).
		Columns(KeyColumn, ValueColumn).
		Suffix(dbInfo.upsertSuffix).
		RunWith(txn) // make sure to run in the same transaction

	for _, kv := range kvs {
		insertBuilder = insertBuilder.Values(kv.Key, kv.Value)
	}

	if _, err := insertBuilder.ExecContext(ctx); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	return nil
}

// DeleteRange removes every pair whose key falls in r.
func DeleteRange(ctx context.Context, dbInfo *DBInfo, r storage.KeyRange) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.DeleteRange")
	defer span.End()

	if err := r.Validate(); err != nil {
		return err
	}

	_, err := dbInfo.stbl.
		Delete(TableName).
		Where(whereRange(r)).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	return nil
}

// IsReady returns true if connection to datastore is successful AND
// (the datastore has the latest migration applied OR skipVersionCheck).
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'campsites migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
