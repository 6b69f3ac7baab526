// Gray Logic Hub - property state reconciliation engine
//
// graylogic-hub keeps a model of connectors, devices, channels and
// properties, tracks the reported and expected state of every property, and
// drives writes out to devices until they confirm the requested value.
//
// Commands:
//   - serve: run the engine, connectors and ops API
//   - migrate: apply, roll back or list schema migrations
//   - state get: print one property's current state
//   - cascade reconcile: re-run invalidation for a connector's devices
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every subcommand reads the
// configuration file named by --config.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "graylogic-hub",
		Short:         "Gray Logic property state hub",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"configuration file (default from GRAYLOGIC_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newStateCmd(&configPath),
		newCascadeCmd(&configPath),
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
