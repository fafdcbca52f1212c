package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crewbridge/dispatcher/internal/config"
	"github.com/crewbridge/dispatcher/internal/crew"
)

// buildCrewCmd creates the "crew" command group: list and validate crew
// definitions without standing up the full dispatch server.
func buildCrewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crew",
		Short: "Inspect and validate crew definitions",
	}
	cmd.AddCommand(buildCrewListCmd(), buildCrewValidateCmd())
	return cmd
}

func buildCrewListCmd() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crew members configured for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			registry := crew.NewRegistry(cfg.Crew.BaseDir)
			members, err := registry.LoadCrewForAgent(cmd.Context(), agentName)
			if err != nil {
				return fmt.Errorf("load crew for agent %q: %w", agentName, err)
			}
			names := make([]string, 0, len(members))
			for name := range members {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				m := members[name]
				fmt.Printf("%-24s model=%-20s default=%-5t fields=%d tools=%d\n",
					m.Name, m.Model, m.IsDefault, len(m.FieldsToCollect), len(m.Tools))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent whose crew to list (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func buildCrewValidateCmd() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load an agent's crew and report any configuration errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			registry := crew.NewRegistry(cfg.Crew.BaseDir)
			if _, err := registry.LoadCrewForAgent(context.Background(), agentName); err != nil {
				return fmt.Errorf("crew %q is invalid: %w", agentName, err)
			}
			fmt.Printf("crew %q is valid\n", agentName)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent whose crew to validate (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
