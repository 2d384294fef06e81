package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "auriga",
		Short: "Auriga - oneM2M Common Services Entity",
		Long: `Auriga is a oneM2M CSE: a server hosting a hierarchical tree of IoT
resources and mediating CRUDN operations on them.

Features:
  - Typed resource model with declarative attribute policies (CUE)
  - Subscriptions with batching, verification and cross-resource windows
  - Group fan-out and response aggregation
  - Announcement of resources to remote CSEs
  - Background scheduler for expiry, missing data and time-sync beacons
  - HTTP binding with JSON, CBOR and XML serialization`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
