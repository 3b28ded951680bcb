// Package main provides the deskpilot binary: an LLM-driven desktop
// automation tool split into an interactive planner and a desktop-side
// executor that coordinate over a filesystem message broker.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/config"
	"github.com/haricheung/deskpilot/internal/llm"
)

const (
	Version   = "0.2.0"
	BuildTime = "dev"
	appName   = "deskpilot"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Credentials and endpoint overrides may live in a local .env file.
	_ = godotenv.Load(".env")

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	brokerDir  string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "LLM-driven desktop automation",
		Long: `Deskpilot turns natural-language commands into JSON automation
protocols and executes them against a desktop session.

It runs as two cooperating processes:
  planner   interactive side: parses commands, generates protocols, and
            drives vision navigation loops
  executor  desktop side: validates and executes protocols, captures
            screenshots, performs input

The processes exchange messages through a shared broker directory, so
they can run in separate sandboxes as long as both see the same path.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.brokerDir, "broker-dir", "", "message broker root directory")

	cmd.AddCommand(
		newPlannerCmd(flags),
		newExecutorCmd(flags),
		newRunCmd(flags),
		newValidateCmd(flags),
		newActionsCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// loadConfig resolves the effective configuration: defaults, then the
// config file (the --config flag, or the user default path when that
// exists), then flag overrides. Validation failures surface here so every
// subcommand starts from a checked config.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		if p := defaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.brokerDir != "" {
		cfg.Broker.RootDir = flags.brokerDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "config.yaml")
}

// cacheDir is where the planner keeps its readline history and protocol
// store when the config names no explicit paths.
func cacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(home, ".cache", appName)
}

// setupLogger configures the process-wide slog default on stderr; stdout
// stays reserved for the interactive display.
func setupLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

func openBroker(cfg *config.Config, logger *slog.Logger) (*broker.Broker, error) {
	return broker.New(cfg.Broker.RootDir, broker.Options{
		PollInterval: cfg.Broker.PollInterval(),
		Watch:        cfg.Broker.Watch,
		Logger:       logger,
	})
}

// tierClient builds one LLM tier from the environment overlaid on the
// config file; environment values win. Missing connection fields surface
// here, at startup, instead of on the first request.
func tierClient(prefix string, tier config.TierConfig, logger *slog.Logger) (*llm.HTTPClient, error) {
	cfg := llm.FromEnv(prefix)
	if cfg.BaseURL == "" {
		cfg.BaseURL = tier.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = tier.Model
	}
	cfg.Timeout = tier.Timeout()
	cfg.Logger = logger

	client := llm.NewHTTP(cfg)
	if err := client.Validate(); err != nil {
		return nil, err
	}
	return client, nil
}
