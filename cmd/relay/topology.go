package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the hierarchy path of every node in the configured topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg := registry.New()
		if err := reg.Load(cfg.Topology); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, name := range reg.Names() {
			path, err := reg.HierarchyPath(name)
			if err != nil {
				return err
			}

			names := make([]string, len(path))
			for i, entry := range path {
				names[i] = entry.Name
			}

			marker := ""
			if path[0].IsSupervisor {
				marker = " (supervisor)"
			}
			fmt.Fprintf(out, "%s%s: %s\n", name, marker, strings.Join(names, " -> "))
		}

		for _, sup := range reg.Supervisors() {
			if len(sup.Responsibilities) > 0 {
				fmt.Fprintf(out, "%s handles: %s\n", sup.Name, strings.Join(sup.Responsibilities, ", "))
			}
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file, including its topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return fmt.Errorf("--config is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := registry.New().Load(cfg.Topology); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d supervisors)\n", configFile, len(cfg.Topology.Supervisors))
		return nil
	},
}
