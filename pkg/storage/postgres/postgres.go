package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/trailcamp/campsites/assets"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/sqlcommon"
)

const engine = "postgres"

var tracer = otel.Tracer("campsites/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of [storage.Datastore].
// The key column uses the "C" collation so that range scans follow byte order.
type Datastore struct {
	db                   *sql.DB
	dbInfo               *sqlcommon.DBInfo
	logger               logger.Logger
	dbStatsCollector     prometheus.Collector
	maxKeyValuesPerWrite int
	versionReady         bool
}

// Ensures that Datastore implements the Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// PrepareURI overrides the credentials of uri with username and password when they are set.
func PrepareURI(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse postgres connection uri: %w", err)
	}

	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	switch {
	case password != "":
		parsed.User = url.UserPassword(username, password)
	case parsed.User != nil:
		if existing, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, existing)
		} else {
			parsed.User = url.User(username)
		}
	default:
		parsed.User = url.User(username)
	}

	return parsed.String(), nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareURI(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	collector, err := sqlcommon.ConfigureDB(db, engine, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, engine,
		"ON CONFLICT ("+sqlcommon.KeyColumn+") DO UPDATE SET "+sqlcommon.ValueColumn+" = EXCLUDED."+sqlcommon.ValueColumn)

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

	return sqlcommon.ReadRange(ctx, s.dbInfo, r)
}

// Write see [storage.Writer].Write.
func (s *Datastore) Write(ctx context.Context, kvs []*storage.KeyValue) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return sqlcommon.Write(ctx, s.dbInfo, kvs, s.maxKeyValuesPerWrite)
}

// DeleteRange see [storage.Writer].DeleteRange.
func (s *Datastore) DeleteRange(ctx context.Context, r storage.KeyRange) error {
	ctx, span := startTrace(ctx, "DeleteRange")
	defer span.End()

	return sqlcommon.DeleteRange(ctx, s.dbInfo, r)
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

// NewMigrationProvider returns the goose migration provider for PostgreSQL.
func NewMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider(engine, assets.PostgresMigrationDir, func(cfg storage.MigrationConfig) (string, error) {
		return PrepareURI(cfg.URI, cfg.Username, cfg.Password)
	})
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if strings.Contains(err.Error(), "duplicate key value") {
		if len(args) > 0 {
			if kv, ok := args[0].(*storage.KeyValue); ok {
				return storage.InvalidWriteInputError(kv)
			}
		}
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
