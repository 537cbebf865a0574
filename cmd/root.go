// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	datastoreEngineFlag   = "datastore-engine"
	datastoreEngineConf   = "datastore.engine"
	datastoreURIFlag      = "datastore-uri"
	datastoreURIConf      = "datastore.uri"
	datastoreUsernameFlag = "datastore-username"
	datastorePasswordFlag = "datastore-password"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with CAMPSITES, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CAMPSITES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/campsites", "$HOME/.campsites", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault(datastoreEngineFlag, "")
	viper.SetDefault(datastoreURIFlag, "")
	err := viper.ReadInConfig()
	if err == nil {
		viper.SetDefault(datastoreEngineFlag, viper.Get(datastoreEngineConf))
		viper.SetDefault(datastoreURIFlag, viper.Get(datastoreURIConf))
	}

	return &cobra.Command{
		Use:   "campsites",
		Short: "A streaming query service for campsites",
		Long: `A streaming query service for campsites.

Campsites are served from an ordered key-value store as a JSON array that is
written while the store is scanned, pausing whenever the client falls behind.`,
	}
}
