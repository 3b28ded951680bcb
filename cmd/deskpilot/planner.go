package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/config"
	"github.com/haricheung/deskpilot/internal/planner"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

func newPlannerCmd(flags *rootFlags) *cobra.Command {
	var (
		unattended bool
		noConfirm  bool
		noCache    bool
	)

	cmd := &cobra.Command{
		Use:   "planner",
		Short: "Run the interactive planner",
		Long: `Planner is the conversational side of deskpilot. It reads commands,
turns them into protocols via the planner model, submits them to the
executor, and answers the executor's vision requests with the vision
model while it waits for results.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if noConfirm {
				cfg.Planner.ConfirmProtocols = false
			}
			if noCache {
				cfg.Planner.CacheEnabled = false
			}
			return runPlanner(cfg, unattended)
		},
	}

	cmd.Flags().BoolVar(&unattended, "unattended", false, "never prompt: submit without confirmation, deny critical vision actions")
	cmd.Flags().BoolVar(&noConfirm, "no-confirm", false, "submit protocols without asking")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the protocol cache")

	return cmd
}

func runPlanner(cfg *config.Config, unattended bool) error {
	logger := setupLogger(cfg.LogLevel)

	bus, err := openBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer bus.Close()

	plannerLLM, err := tierClient("PLANNER", cfg.LLM.Planner, logger)
	if err != nil {
		return err
	}
	visionLLM, err := tierClient("VISION", cfg.LLM.Vision, logger)
	if err != nil {
		return err
	}

	registry := actions.NewRegistry(logger)
	registry.SetPolicy(cfg.Actions.EnabledCategories, cfg.Actions.DisabledActions)

	var store *planner.Store
	if cfg.Planner.CacheEnabled {
		dir := cfg.Planner.StoreDir
		if dir == "" {
			dir = filepath.Join(cacheDir(), "protocols.db")
		}
		store, err = planner.OpenStore(dir, logger)
		if err != nil {
			return fmt.Errorf("protocol store: %w", err)
		}
		defer store.Close()
	}

	navOpts, audit, err := navigationOptions(cfg, logger)
	if err != nil {
		return err
	}
	if audit != nil {
		defer audit.Close()
	}

	historyFile := cfg.Planner.HistoryFile
	if historyFile == "" {
		historyFile = filepath.Join(cacheDir(), "history")
	}
	input, err := planner.NewReadlineInput(appName+"> ", historyFile)
	if err != nil {
		return fmt.Errorf("terminal: %w", err)
	}

	p := planner.New(planner.Deps{
		Bus:      bus,
		Client:   plannerLLM,
		Vision:   visionLLM,
		Registry: registry,
		Store:    store,
		Input:    input,
		Logger:   logger,
	}, planner.Options{
		Validation: protocol.Options{
			Strict:        cfg.Validation.StrictMode,
			MaxMacroDepth: cfg.Execution.MaxMacroDepth,
		},
		WarnValidation:      cfg.Validation.WarningLevel == "warn",
		Navigation:          navOpts,
		VisionEnabled:       cfg.Vision.Enabled,
		StatusTimeout:       cfg.Planner.StatusTimeout(),
		ConfirmProtocols:    cfg.Planner.ConfirmProtocols,
		LowConfidence:       cfg.Planner.LowConfidenceThreshold,
		RefuseLowConfidence: cfg.Planner.RefuseLowConfidence,
		Unattended:          unattended,
		Logger:              logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal lets the current work unit finish; the second forces
	// the loop down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\n%s: finishing up (interrupt again to force quit)\n", appName)
		p.Stop()
		<-sigCh
		cancel()
	}()

	return p.Run(ctx)
}

// navigationOptions builds the vision-loop tuning from config. The audit
// log handle is returned separately so the caller owns its lifetime.
func navigationOptions(cfg *config.Config, logger *slog.Logger) (vision.Options, *vision.AuditLog, error) {
	opts := vision.DefaultOptions()
	opts.MaxIterations = cfg.Vision.MaxIterations
	opts.IterationTimeout = cfg.Vision.IterationTimeout()
	opts.ConfidenceThreshold = cfg.Vision.ConfidenceThreshold
	opts.Clamper = vision.NewClamper(cfg.Vision.CoordinateMargin, cfg.Vision.CoordinateClampTolerance)
	opts.LoopBufferSize = cfg.Vision.LoopDetectionBufferSize
	opts.LoopThreshold = cfg.Vision.LoopDetectionThreshold
	opts.Logger = logger

	if !cfg.Vision.RequireConfirmationForCritical {
		opts.CriticalKeywords = nil
	} else if len(cfg.Vision.CriticalKeywords) > 0 {
		opts.CriticalKeywords = cfg.Vision.CriticalKeywords
	}

	if cfg.Vision.EnableAuditLog {
		audit, err := vision.OpenAudit(cfg.Vision.AuditLogPath)
		if err != nil {
			return vision.Options{}, nil, fmt.Errorf("audit log: %w", err)
		}
		opts.Audit = audit
		return opts, audit, nil
	}
	return opts, nil, nil
}
