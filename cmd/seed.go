package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/cmd/util"
	serverconfig "github.com/trailcamp/campsites/internal/server/config"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage/seed"
)

const (
	seedFileFlag          = "file"
	seedKeyPrefixFlag     = "key-prefix"
	datastoreCompressFlag = "datastore-compression"
)

// NewSeedCommand returns the command that bulk loads campsites into a datastore.
func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load campsites into the datastore",
		Long: `Replace the campsites in the datastore with the entries of a JSON array file.
Entries that fail validation are skipped and counted. The bundled sample dataset is
loaded when no file is given.`,
		RunE: runSeed,
		Args: cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(datastoreUsernameFlag, flags.Lookup(datastoreUsernameFlag))
			util.MustBindPFlag(datastorePasswordFlag, flags.Lookup(datastorePasswordFlag))
			util.MustBindPFlag(datastoreCompressFlag, flags.Lookup(datastoreCompressFlag))
			util.MustBindPFlag(seedFileFlag, flags.Lookup(seedFileFlag))
			util.MustBindPFlag(seedKeyPrefixFlag, flags.Lookup(seedKeyPrefixFlag))
		},
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "the datastore engine to load into (defaults to 'memory', which is only useful for trying out a file)")
	flags.String(datastoreURIFlag, "", "the connection uri of the datastore (for any engine other than 'memory')")
	flags.String(datastoreUsernameFlag, "", "(optional) overwrite the username in the connection string")
	flags.String(datastorePasswordFlag, "", "(optional) overwrite the password in the connection string")
	flags.String(datastoreCompressFlag, defaultConfig.Datastore.Compression, "the compression applied to stored values ('none', 'lz4' or 'zstd')")
	flags.String(seedFileFlag, "", "a JSON array of campsites (if omitted the bundled sample is loaded)")
	flags.String(seedKeyPrefixFlag, defaultConfig.Seed.KeyPrefix, "the key prefix campsites are stored under")

	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg := serverconfig.DefaultConfig()
	if engine := viper.GetString(datastoreEngineFlag); engine != "" {
		cfg.Datastore.Engine = engine
	}
	cfg.Datastore.URI = viper.GetString(datastoreURIFlag)
	cfg.Datastore.Username = viper.GetString(datastoreUsernameFlag)
	cfg.Datastore.Password = viper.GetString(datastorePasswordFlag)
	cfg.Datastore.Compression = viper.GetString(datastoreCompressFlag)
	cfg.Seed.File = viper.GetString(seedFileFlag)
	cfg.Seed.KeyPrefix = viper.GetString(seedKeyPrefixFlag)

	if err := cfg.Verify(); err != nil {
		return err
	}

	l := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat)

	datastore, err := util.NewDatastore(cfg.Datastore, l)
	if err != nil {
		return err
	}
	defer datastore.Close()

	c, err := util.NewCodec(cfg.Datastore)
	if err != nil {
		return err
	}

	loader := seed.NewLoader(datastore,
		seed.WithLogger(l),
		seed.WithCodec(c),
		seed.WithKeyPrefix(cfg.Seed.KeyPrefix),
		seed.WithBatchSize(cfg.Datastore.MaxKeyValuesPerWrite),
	)

	result, err := loader.LoadFile(cmd.Context(), cfg.Seed.File)
	if err != nil {
		return fmt.Errorf("failed to seed campsites: %w", err)
	}

	l.Info("seed done",
		zap.String("engine", cfg.Datastore.Engine),
		zap.Int("loaded", result.Loaded),
		zap.Int("failed", result.Failed),
	)

	return nil
}
