package assets

import "embed"

const (
	SqliteMigrationDir   = "migrations/sqlite"
	PostgresMigrationDir = "migrations/postgres"
	MySQLMigrationDir    = "migrations/mysql"

	// SampleCampsitesFile is the dataset loaded by `campsites seed` when no file is given.
	SampleCampsitesFile = "data/campsites.json"
)

//go:embed migrations/*
var EmbedMigrations embed.FS

//go:embed data/*
var EmbedData embed.FS
