package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-hub/internal/cascade"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

func newCascadeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Run connection state cascades by hand",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile <connector>",
		Short: "Invalidate the properties of every disconnected device of a connector",
		Long: "Re-runs invalidation for each device of the connector, given by ID or\n" +
			"identifier, whose stored connection state invalidates its properties.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCascadeReconcile(cmd.Context(), *configPath, args[0], cmd.OutOrStdout())
		},
	})
	return cmd
}

func runCascadeReconcile(ctx context.Context, configPath, ref string, out io.Writer) error {
	c, err := openCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	conn, err := c.registry.FindConnector(ctx, topology.Ref{ID: ref})
	if err != nil {
		conn, err = c.registry.FindConnector(ctx, topology.Ref{Identifier: ref})
	}
	if err != nil {
		return fmt.Errorf("connector %s: %w", ref, err)
	}

	casc := cascade.New(c.registry, c.managers)
	casc.SetLogger(c.log.Component("cascade"))
	n, err := casc.Reconcile(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("reconciling connector %s: %w", conn.Identifier, err)
	}
	fmt.Fprintf(out, "%s: %d device(s) reconciled\n", conn.Identifier, n)
	return nil
}
