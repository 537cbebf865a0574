package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/trailcamp/campsites/assets"
	"github.com/trailcamp/campsites/pkg/storage"
)

// GooseMigrationProvider implements [storage.MigrationProvider] with the goose
// migrations embedded for one engine.
type GooseMigrationProvider struct {
	engine     string
	dir        string
	prepareURI func(storage.MigrationConfig) (string, error)
}

var _ storage.MigrationProvider = (*GooseMigrationProvider)(nil)

// NewGooseMigrationProvider returns a provider for engine reading migrations from dir in
// [assets.EmbedMigrations]. prepareURI turns the config into a driver DSN.
func NewGooseMigrationProvider(engine, dir string, prepareURI func(storage.MigrationConfig) (string, error)) *GooseMigrationProvider {
	return &GooseMigrationProvider{
		engine:     engine,
		dir:        dir,
		prepareURI: prepareURI,
	}
}

// GetSupportedEngine returns the database engine this provider supports.
func (p *GooseMigrationProvider) GetSupportedEngine() string {
	return p.engine
}

func (p *GooseMigrationProvider) open(ctx context.Context, config storage.MigrationConfig) (*sql.DB, error) {
	uri, err := p.prepareURI(config)
	if err != nil {
		return nil, err
	}

	db, err := goose.OpenDBWithDriver(p.engine, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", p.engine, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	if policy.MaxElapsedTime == 0 {
		policy.MaxElapsedTime = time.Minute
	}
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize %s connection: %w", p.engine, err)
	}

	goose.SetBaseFS(assets.EmbedMigrations)

	return db, nil
}

// GetCurrentVersion returns the current migration version.
func (p *GooseMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	db, err := p.open(ctx, config)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return goose.GetDBVersionContext(ctx, db)
}

// RunMigrations migrates up to config.TargetVersion, or to the latest version when it is zero.
// Migrating to an older version runs the down migrations.
func (p *GooseMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(config.Verbose)

	db, err := p.open(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", p.engine, err)
	}

	log.Printf("%s current version %d", p.engine, currentVersion)

	if config.TargetVersion == 0 {
		log.Printf("running all %s migrations", p.engine)
		if err := goose.UpContext(ctx, db, p.dir); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", p.engine, err)
		}
		log.Printf("%s migration done", p.engine)
		return nil
	}

	log.Printf("migrating %s to %d", p.engine, config.TargetVersion)
	target := int64(config.TargetVersion)

	switch {
	case target < currentVersion:
		if err := goose.DownToContext(ctx, db, p.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %v: %w", p.engine, target, err)
		}
	case target > currentVersion:
		if err := goose.UpToContext(ctx, db, p.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %v: %w", p.engine, target, err)
		}
	default:
		log.Printf("%s nothing to do", p.engine)
		return nil
	}

	log.Printf("%s migration done", p.engine)
	return nil
}
