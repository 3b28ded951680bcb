package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/config"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/executor"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

func newExecutorCmd(flags *rootFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run the desktop-side executor",
		Long: `Executor is the desktop side of deskpilot. It consumes protocols from
the broker, performs the actions against the X11 session, serves
screenshots to the planner's vision loop, and publishes one execution
result per protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Execution.DryRun = true
			}
			return runExecutor(cfg)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log actions instead of performing them")

	return cmd
}

func runExecutor(cfg *config.Config) error {
	logger := setupLogger(cfg.LogLevel)

	bus, err := openBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer bus.Close()

	drv := driver.NewX11(logger, cfg.Vision.ScreenshotQuality)

	registry := actions.NewRegistry(logger)
	registry.SetPolicy(cfg.Actions.EnabledCategories, cfg.Actions.DisabledActions)

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

	exec := executor.New(registry, executor.Options{
		DryRun:        cfg.Execution.DryRun,
		DefaultWaitMs: cfg.Execution.DefaultWaitMs,
		MaxMacroDepth: cfg.Execution.MaxMacroDepth,
		Logger:        logger,
	})
	loop := executor.NewLoop(bus, exec, registry, executor.LoopOptions{
		Validation: protocol.Options{
			Strict:        cfg.Validation.StrictMode,
			MaxMacroDepth: cfg.Execution.MaxMacroDepth,
		},
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal stops the current protocol and drains the loop; the
	// second tears the process down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\n%s: stopping after the current action (interrupt again to force quit)\n", appName)
		exec.Stop()
		<-sigCh
		cancel()
	}()

	return loop.Run(ctx)
}
