package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/actions"
)

func newActionsCmd(flags *rootFlags) *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the action library",
		Long: `Actions prints every action the executor understands, grouped by
category, with its parameter shape. Actions removed by the configured
policy are marked disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.LogLevel)
			registry := actions.NewRegistry(logger)
			registry.SetPolicy(cfg.Actions.EnabledCategories, cfg.Actions.DisabledActions)

			categories := registry.Categories()
			if category != "" {
				categories = []string{category}
			}

			for _, cat := range categories {
				specs := registry.ByCategory(cat)
				if len(specs) == 0 {
					return fmt.Errorf("unknown category %q", cat)
				}
				fmt.Printf("%s (%d)\n", cat, len(specs))
				for _, s := range specs {
					fmt.Printf("  %s%s\n", signature(s), disabledMark(registry, s.Name))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "show a single category")

	return cmd
}

// signature renders an action as name(required, [optional]) -> outputs.
func signature(s actions.Spec) string {
	params := make([]string, 0, len(s.Required)+len(s.Optional))
	params = append(params, s.Required...)
	for _, opt := range s.Optional {
		params = append(params, "["+opt+"]")
	}
	sig := fmt.Sprintf("%s(%s)", s.Name, strings.Join(params, ", "))
	if len(s.Outputs) > 0 {
		sig += " -> " + strings.Join(s.Outputs, ", ")
	}
	return sig
}

func disabledMark(r *actions.Registry, name string) string {
	if r.Enabled(name) {
		return ""
	}
	return "  (disabled)"
}
