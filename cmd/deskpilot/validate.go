package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/protocol"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <protocol.json>",
		Short: "Validate a protocol file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if strict {
				cfg.Validation.StrictMode = true
			}

			logger := setupLogger(cfg.LogLevel)
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read protocol: %w", err)
			}

			registry := actions.NewRegistry(logger)
			registry.SetPolicy(cfg.Actions.EnabledCategories, cfg.Actions.DisabledActions)

			prot, issues, err := protocol.Parse(raw, registry, protocol.Options{
				Strict:        cfg.Validation.StrictMode,
				MaxMacroDepth: cfg.Execution.MaxMacroDepth,
			})
			for _, iss := range issues {
				fmt.Printf("warning: %s\n", iss)
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s: valid (%d actions, %d macros)\n", prot.ID(), len(prot.Actions), len(prot.Macros))
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat every warning as an error")

	return cmd
}
