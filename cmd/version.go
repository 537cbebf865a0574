package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/trailcamp/campsites/internal/build"
)

// NewVersionCommand returns the command to get the campsites version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the campsites version",
		Long:  "Return the campsites version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("campsites version %s date %s commit id %s", build.Version, build.Date, build.Commit)
	return nil
}
