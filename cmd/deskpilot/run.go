package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/config"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/executor"
	"github.com/haricheung/deskpilot/internal/planner"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		dryRun   bool
		asJSON   bool
		varPairs []string
	)

	cmd := &cobra.Command{
		Use:   "run <protocol.json>",
		Short: "Execute a protocol file directly",
		Long: `Run validates and executes a protocol file in this process, without a
planner. Vision actions still go through the broker, so they only work
when a planner is running against the same broker directory.

Initial context variables can be passed with --var; values parse as
JSON when possible and fall back to plain strings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Execution.DryRun = true
			}
			vars, err := parseVars(varPairs)
			if err != nil {
				return err
			}
			return runProtocolFile(cfg, args[0], vars, asJSON)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log actions instead of performing them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the execution result as JSON")
	cmd.Flags().StringArrayVar(&varPairs, "var", nil, "initial context variable (key=value, repeatable)")

	return cmd
}

func runProtocolFile(cfg *config.Config, path string, vars map[string]any, asJSON bool) error {
	logger := setupLogger(cfg.LogLevel)
	display := planner.NewDisplay(os.Stdout)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read protocol: %w", err)
	}

	registry := actions.NewRegistry(logger)
	registry.SetPolicy(cfg.Actions.EnabledCategories, cfg.Actions.DisabledActions)

	prot, issues, err := protocol.Parse(raw, registry, protocol.Options{
		Strict:        cfg.Validation.StrictMode,
		MaxMacroDepth: cfg.Execution.MaxMacroDepth,
	})
	if err != nil {
		return err
	}
	if cfg.Validation.WarningLevel == "warn" {
		display.Issues(issues)
	}

	bus, err := openBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer bus.Close()

	drv := driver.NewX11(logger, cfg.Vision.ScreenshotQuality)
	settings := actions.DefaultVisionSettings()
	settings.IterationTimeout = cfg.Vision.IterationTimeout()
	settings.MaxIterations = cfg.Vision.MaxIterations
	settings.Poll = cfg.Broker.PollInterval()
	settings.Clamper = vision.NewClamper(cfg.Vision.CoordinateMargin, cfg.Vision.CoordinateClampTolerance)

	registry.Inject(actions.Deps{
		Driver: drv,
		Mouse:  driver.NewMouseController(drv),
		Bus:    bus,
		Vision: settings,
		Logger: logger,
	})

	total := len(prot.Actions)
	exec := executor.New(registry, executor.Options{
		DryRun:        cfg.Execution.DryRun,
		DefaultWaitMs: cfg.Execution.DefaultWaitMs,
		MaxMacroDepth: cfg.Execution.MaxMacroDepth,
		Progress: func(ev executor.ProgressEvent) {
			if asJSON {
				return
			}
			if ev.Error != "" {
				display.Warn("[%d/%d] %s: %s", ev.Index+1, total, ev.Name, ev.Error)
				return
			}
			display.Info("[%d/%d] %s (%s, %dms)", ev.Index+1, total, ev.Name, ev.Outcome, ev.DurationMs)
		},
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		exec.Stop()
		<-sigCh
		cancel()
	}()

	res := exec.Execute(ctx, prot, vars)

	if asJSON {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		display.Result(res)
	}

	if res.Status != protocol.StatusSuccess {
		return fmt.Errorf("protocol %s: %s", res.ProtocolID, res.Status)
	}
	return nil
}

// parseVars turns key=value pairs into initial context variables. Values
// that parse as JSON keep their type; anything else stays a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("bad --var %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}
