package migrate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/mysql"
	"github.com/trailcamp/campsites/pkg/storage/postgres"
	"github.com/trailcamp/campsites/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations
type MigrationConfig = storage.MigrationConfig

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

// GetDefaultRegistry returns the registry holding the built-in SQL engines.
func GetDefaultRegistry() *storage.MigratorRegistry {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry(
			postgres.NewMigrationProvider(),
			mysql.NewMigrationProvider(),
			sqlite.NewMigrationProvider(),
		)
	})
	return defaultRegistry
}

// RunMigrationsWithRegistry runs migrations for cfg.Engine using registry.
// The memory engine has no schema, so it is a no-op.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg MigrationConfig) error {
	if cfg.Engine == "memory" {
		log.Println("no migrations to run for `memory` datastore")
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for the given config using the default registry.
func RunMigrations(ctx context.Context, cfg MigrationConfig) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(), cfg)
}
