package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/trailcamp/campsites/assets"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/sqlcommon"
)

const engine = "sqlite"

var tracer = otel.Tracer("campsites/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	db                   *sql.DB
	dbInfo               *sqlcommon.DBInfo
	logger               logger.Logger
	dbStatsCollector     prometheus.Collector
	maxKeyValuesPerWrite int
	versionReady         bool
}

// Ensures that SQLite implements the Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(500)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	collector, err := sqlcommon.ConfigureDB(db, engine, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, engine,
		"ON CONFLICT ("+sqlcommon.KeyColumn+") DO UPDATE SET "+sqlcommon.ValueColumn+" = excluded."+sqlcommon.ValueColumn)

	return &Datastore{
		db:                   db,
		dbInfo:               dbInfo,
		logger:               cfg.Logger,
		dbStatsCollector:     collector,
		maxKeyValuesPerWrite: cfg.MaxKeyValuesPerWriteFld,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// ReadRange see [storage.RangeReader].ReadRange.
func (s *Datastore) ReadRange(ctx context.Context, r storage.KeyRange) (storage.KeyValueIterator, error) {
	ctx, span := startTrace(ctx, "ReadRange")
	defer span.End()

	var iter storage.KeyValueIterator
	err := busyRetry(func() error {
		it, err := sqlcommon.ReadRange(ctx, s.dbInfo, r)
		if err != nil {
			return err
		}
		iter = it
		return nil
	})
	return iter, err
}

// Write see [storage.Writer].Write.
func (s *Datastore) Write(ctx context.Context, kvs []*storage.KeyValue) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.Write(ctx, s.dbInfo, kvs, s.maxKeyValuesPerWrite)
	})
}

// DeleteRange see [storage.Writer].DeleteRange.
func (s *Datastore) DeleteRange(ctx context.Context, r storage.KeyRange) error {
	ctx, span := startTrace(ctx, "DeleteRange")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.DeleteRange(ctx, s.dbInfo, r)
	})
}

// IsReady see [sqlcommon.IsReady].
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, s.versionReady, s.db)
	if err != nil {
		return versionReady, err
	}
	s.versionReady = versionReady.IsReady
	return versionReady, nil
}

// NewMigrationProvider returns the goose migration provider for SQLite.
func NewMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider(engine, assets.SqliteMigrationDir, func(cfg storage.MigrationConfig) (string, error) {
		return PrepareDSN(cfg.URI)
	})
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			if len(args) > 0 {
				if kv, ok := args[0].(*storage.KeyValue); ok {
					return storage.InvalidWriteInputError(kv)
				}
			}
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
