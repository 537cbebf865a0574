package storage

import (
	"context"
	"slices"
	"time"
)

// MigrationProvider runs schema migrations for one datastore engine.
type MigrationProvider interface {
	// RunMigrations executes database migrations with the provided configuration
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine returns the database engine this provider supports
	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
}

// MigratorRegistry maps engine names to their migration providers.
type MigratorRegistry struct {
	providers map[string]MigrationProvider
}

// NewMigratorRegistry registers each provider under its supported engine.
func NewMigratorRegistry(providers ...MigrationProvider) *MigratorRegistry {
	r := &MigratorRegistry{
		providers: make(map[string]MigrationProvider, len(providers)),
	}
	for _, p := range providers {
		r.RegisterProvider(p)
	}
	return r
}

// RegisterProvider adds or replaces the provider for p.GetSupportedEngine().
func (r *MigratorRegistry) RegisterProvider(p MigrationProvider) {
	r.providers[p.GetSupportedEngine()] = p
}

// GetProvider returns the migration provider for the specified engine.
func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	provider, exists := r.providers[engine]
	return provider, exists
}

// GetSupportedEngines returns the registered engines in sorted order.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	engines := make([]string, 0, len(r.providers))
	for engine := range r.providers {
		engines = append(engines, engine)
	}
	slices.Sort(engines)
	return engines
}
