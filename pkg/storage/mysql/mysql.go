package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/trailcamp/campsites/assets"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/sqlcommon"
)

const engine = "mysql"

// errDuplicateEntry is the server error number for a primary key violation.
const errDuplicateEntry = 1062

var tracer = otel.Tracer("campsites/pkg/storage/mysql")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mysql."+name)
}

// MySQL provides a MySQL based implementation of [storage.Datastore]. Keys are
// stored as VARBINARY so that comparisons and ordering are byte-wise.
type MySQL struct {
	db                   *sql.DB
	dbInfo               *sqlcommon.DBInfo
	logger               logger.Logger
	dbStatsCollector     prometheus.Collector
	maxKeyValuesPerWrite int
	versionReady         bool
}

// Ensures that MySQL implements the Datastore interface.
var _ storage.Datastore = (*MySQL)(nil)

// PrepareDSN overrides the credentials of uri with username and password when they are set.
func PrepareDSN(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql connection dsn: %w", err)
	}

	if username != "" {
		dsnCfg.User = username
	}
	if password != "" {
		dsnCfg.Passwd = password
	}

	return dsnCfg.FormatDSN(), nil
}

// New creates a new [MySQL] storage.
func New(uri string, cfg *sqlcommon.Config) (*MySQL, error) {
	uri, err := PrepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}

	collector, err := sqlcommon.ConfigureDB(db, engine, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, engine,
		"ON DUPLICATE KEY UPDATE "+sqlcommon.ValueColumn+" = VALUES("+sqlcommon.ValueColumn+")")

	return &MySQL{
		db:                   db,
		dbInfo:               dbInfo,
		logger:               cfg.Logger,
		dbStatsCollector:     collector,
		maxKeyValuesPerWrite: cfg.MaxKeyValuesPerWriteFld,
	}, nil
}

// Close see [storage.Datastore].Close.
func (m *MySQL) Close() {
	if m.dbStatsCollector != nil {
		prometheus.Unregister(m.dbStatsCollector)
	}
	m.db.Close()
}

// ReadRange see [storage.RangeReader].ReadRange.
func (m *MySQL) ReadRange(ctx context.Context, r storage.KeyRange) (storage.KeyValueIterator, error) {
	ctx, span := startTrace(ctx, "ReadRange")
	defer span.End()

	return sqlcommon.ReadRange(ctx, m.dbInfo, r)
}

// Write see [storage.Writer].Write.
func (m *MySQL) Write(ctx context.Context, kvs []*storage.KeyValue) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()

	return sqlcommon.Write(ctx, m.dbInfo, kvs, m.maxKeyValuesPerWrite)
}

// DeleteRange see [storage.Writer].DeleteRange.
func (m *MySQL) DeleteRange(ctx context.Context, r storage.KeyRange) error {
	ctx, span := startTrace(ctx, "DeleteRange")
	defer span.End()

	return sqlcommon.DeleteRange(ctx, m.dbInfo, r)
}

// IsReady see [sqlcommon.IsReady].
func (m *MySQL) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, m.versionReady, m.db)
	if err != nil {
		return versionReady, err
	}
	m.versionReady = versionReady.IsReady
	return versionReady, nil
}

// NewMigrationProvider returns the goose migration provider for MySQL.
func NewMigrationProvider() *sqlcommon.GooseMigrationProvider {
	return sqlcommon.NewGooseMigrationProvider(engine, assets.MySQLMigrationDir, func(cfg storage.MigrationConfig) (string, error) {
		return PrepareDSN(cfg.URI, cfg.Username, cfg.Password)
	})
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == errDuplicateEntry {
		if len(args) > 0 {
			if kv, ok := args[0].(*storage.KeyValue); ok {
				return storage.InvalidWriteInputError(kv)
			}
		}
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
