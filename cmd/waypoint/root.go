package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "waypoint",
	Short: "Forward and reverse geocoding from the command line",
	Long: `Waypoint is a client for the Meridian Maps geocoding API.

Its batch command streams a CSV file through a concurrent worker pool,
geocoding each row forward (address to coordinates) or in reverse
(coordinates to address) and writing the results back out.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("waypoint " + geocode.Version)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}
