package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-hub/internal/mapping"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

func newStateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect property state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <property-id>",
		Short: "Print a property's definition, value and state record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateGet(cmd.Context(), *configPath, args[0], cmd.OutOrStdout())
		},
	})
	return cmd
}

// propertyState is the printed view of one property.
type propertyState struct {
	Property *topology.Property   `json:"property"`
	Value    any                  `json:"value"`
	State    *state.PropertyState `json:"state,omitempty"`
}

func runStateGet(ctx context.Context, configPath, id string, out io.Writer) error {
	c, err := openCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.registry.GetProperty(ctx, id)
	if err != nil {
		return fmt.Errorf("property %s: %w", id, err)
	}

	view := propertyState{Property: p}
	switch p.Kind {
	case topology.KindVariable:
		view.Value = p.Value

	case topology.KindDynamic:
		if view.State, err = readState(ctx, c.managers, p); err != nil {
			return err
		}
		view.Value = view.State.Current()

	case topology.KindMapped:
		if view.State, err = readState(ctx, c.managers, p); err != nil {
			return err
		}
		if view.Value, err = mapping.NewResolver(c.registry, c.managers).Read(ctx, p); err != nil {
			return fmt.Errorf("resolving mapped property: %w", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func readState(ctx context.Context, managers *state.Managers, p *topology.Property) (*state.PropertyState, error) {
	m, err := managers.ForProperty(p)
	if err != nil {
		return nil, err
	}
	s, err := m.Get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	return s, nil
}
