// Package config provides configuration loading and management for deskpilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete deskpilot configuration, shared by the
// planner and executor processes. Both read the same file; each consumes
// the sections relevant to its role.
type Config struct {
	// LogLevel is the slog level for both processes (debug|info|warn|error).
	LogLevel   string           `yaml:"log_level"`
	Broker     BrokerConfig     `yaml:"broker"`
	Validation ValidationConfig `yaml:"validation"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Vision     VisionConfig     `yaml:"vision"`
	Actions    ActionsConfig    `yaml:"actions"`
	Planner    PlannerConfig    `yaml:"planner"`
	LLM        LLMConfig        `yaml:"llm"`
}

// BrokerConfig configures the filesystem message broker.
type BrokerConfig struct {
	// RootDir is the directory holding one subdirectory per channel
	// (default: "messages"). Planner and executor must agree on it.
	RootDir string `yaml:"root_dir"`
	// PollIntervalMs is the scan interval while waiting for a message
	// (default: 100).
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// Watch enables fsnotify wake-ups so receives react faster than the
	// poll interval (default: true). Polling remains the fallback tick.
	Watch bool `yaml:"watch"`
}

// PollInterval returns PollIntervalMs as a duration.
func (b BrokerConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// ValidationConfig configures protocol validation.
type ValidationConfig struct {
	// StrictMode promotes every validation warning to an error (default: false).
	StrictMode bool `yaml:"strict_mode"`
	// WarningLevel controls what happens to non-fatal findings in relaxed
	// mode: "warn" logs them, "silent" drops them (default: "warn").
	WarningLevel string `yaml:"warning_level"`
}

// ExecutionConfig configures the protocol executor.
type ExecutionConfig struct {
	// DryRun logs each action instead of touching the desktop (default: false).
	DryRun bool `yaml:"dry_run"`
	// DefaultWaitMs applies after actions that set no wait_after_ms
	// (default: 100).
	DefaultWaitMs int `yaml:"default_wait_ms"`
	// MaxMacroDepth bounds macro nesting (default: 5).
	MaxMacroDepth int `yaml:"max_macro_depth"`
}

// VisionConfig configures the vision navigation loop (planner side) and the
// screenshot exchange (executor side).
type VisionConfig struct {
	// Enabled gates all vision actions (default: true). With it off the
	// planner refuses visual_navigate protocols instead of hanging.
	Enabled bool `yaml:"enabled"`
	// MaxIterations caps model calls per navigation (default: 10).
	MaxIterations int `yaml:"max_iterations"`
	// IterationTimeoutS bounds one iteration including the model call
	// (default: 30).
	IterationTimeoutS int `yaml:"iteration_timeout_s"`
	// ConfidenceThreshold is the minimum model confidence acted on without
	// a warning (default: 0.6).
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// RequireConfirmationForCritical gates destructive-sounding actions
	// behind a user prompt (default: true). Unattended runs deny them.
	RequireConfirmationForCritical bool `yaml:"require_confirmation_for_critical"`
	// CriticalKeywords overrides the built-in keyword list; empty keeps it.
	CriticalKeywords []string `yaml:"critical_keywords"`
	// LoopDetectionThreshold is how many near-identical consecutive clicks
	// abort the loop (default: 3).
	LoopDetectionThreshold int `yaml:"loop_detection_threshold"`
	// LoopDetectionBufferSize is the click-history window (default: 10).
	LoopDetectionBufferSize int `yaml:"loop_detection_buffer_size"`
	// ScreenshotQuality is the JPEG quality for state captures, 1-100
	// (default: 85).
	ScreenshotQuality int `yaml:"screenshot_quality"`
	// EnableAuditLog writes one JSONL entry per iteration (default: false).
	EnableAuditLog bool `yaml:"enable_audit_log"`
	// AuditLogPath is the JSONL file (default: "vision_audit.jsonl").
	AuditLogPath string `yaml:"audit_log_path"`
	// CoordinateMargin keeps clicks this many px off every screen edge
	// (default: 5).
	CoordinateMargin int `yaml:"coordinate_margin"`
	// CoordinateClampTolerance is how far outside the margin a proposal may
	// land and still be clamped instead of rejected (default: 10).
	CoordinateClampTolerance int `yaml:"coordinate_clamp_tolerance"`
}

// IterationTimeout returns IterationTimeoutS as a duration.
func (v VisionConfig) IterationTimeout() time.Duration {
	return time.Duration(v.IterationTimeoutS) * time.Second
}

// ActionsConfig configures the action library.
type ActionsConfig struct {
	// EnabledCategories restricts the library to the named categories;
	// empty enables all.
	EnabledCategories []string `yaml:"enabled_categories"`
	// DisabledActions removes individual actions regardless of category.
	DisabledActions []string `yaml:"disabled_actions"`
}

// PlannerConfig configures the interactive planner.
type PlannerConfig struct {
	// StatusTimeoutS bounds the wait for a protocol result (default: 60).
	// Vision-loop activity extends the deadline.
	StatusTimeoutS int `yaml:"status_timeout_s"`
	// ConfirmProtocols shows each generated protocol and asks before
	// submitting it (default: true).
	ConfirmProtocols bool `yaml:"confirm_protocols"`
	// LowConfidenceThreshold is the intent-parse confidence below which the
	// planner warns (default: 0.6).
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
	// RefuseLowConfidence rejects low-confidence commands instead of
	// proceeding with a warning (default: false).
	RefuseLowConfidence bool `yaml:"refuse_low_confidence"`
	// CacheEnabled keeps a protocol cache keyed by normalized command so
	// repeated commands skip generation (default: true).
	CacheEnabled bool `yaml:"cache_enabled"`
	// HistoryFile is the readline history path; empty means the process
	// cache dir default.
	HistoryFile string `yaml:"history_file"`
	// StoreDir is the protocol cache database directory; empty means the
	// process cache dir default.
	StoreDir string `yaml:"store_dir"`
}

// StatusTimeout returns StatusTimeoutS as a duration.
func (p PlannerConfig) StatusTimeout() time.Duration {
	return time.Duration(p.StatusTimeoutS) * time.Second
}

// LLMConfig points the two model tiers at their endpoints. API keys are
// never read from the file; they come from the environment
// (PLANNER_API_KEY / VISION_API_KEY, then DESKPILOT_API_KEY, then
// OPENAI_API_KEY), and any environment endpoint or model overrides the
// file value.
type LLMConfig struct {
	Planner TierConfig `yaml:"planner"`
	Vision  TierConfig `yaml:"vision"`
}

// TierConfig configures one OpenAI-compatible endpoint tier.
type TierConfig struct {
	// BaseURL is the API root (e.g. "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`
	// Model is the model name sent in requests.
	Model string `yaml:"model"`
	// TimeoutS is the per-request HTTP timeout (default: 120).
	TimeoutS int `yaml:"timeout_s"`
}

// Timeout returns TimeoutS as a duration.
func (t TierConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutS) * time.Second
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Broker: BrokerConfig{
			RootDir:        "messages",
			PollIntervalMs: 100,
			Watch:          true,
		},
		Validation: ValidationConfig{
			StrictMode:   false,
			WarningLevel: "warn",
		},
		Execution: ExecutionConfig{
			DryRun:        false,
			DefaultWaitMs: 100,
			MaxMacroDepth: 5,
		},
		Vision: VisionConfig{
			Enabled:                        true,
			MaxIterations:                  10,
			IterationTimeoutS:              30,
			ConfidenceThreshold:            0.6,
			RequireConfirmationForCritical: true,
			CriticalKeywords:               nil, // built-in list
			LoopDetectionThreshold:         3,
			LoopDetectionBufferSize:        10,
			ScreenshotQuality:              85,
			EnableAuditLog:                 false,
			AuditLogPath:                   "vision_audit.jsonl",
			CoordinateMargin:               5,
			CoordinateClampTolerance:       10,
		},
		Actions: ActionsConfig{
			EnabledCategories: nil, // all
			DisabledActions:   nil,
		},
		Planner: PlannerConfig{
			StatusTimeoutS:         60,
			ConfirmProtocols:       true,
			LowConfidenceThreshold: 0.6,
			RefuseLowConfidence:    false,
			CacheEnabled:           true,
		},
		LLM: LLMConfig{
			Planner: TierConfig{TimeoutS: 120},
			Vision:  TierConfig{TimeoutS: 120},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.Broker.RootDir == "" {
		return fmt.Errorf("broker.root_dir is required")
	}
	if c.Broker.PollIntervalMs < 1 {
		return fmt.Errorf("broker.poll_interval_ms must be >= 1, got %d", c.Broker.PollIntervalMs)
	}
	switch c.Validation.WarningLevel {
	case "warn", "silent":
	default:
		return fmt.Errorf("validation.warning_level must be warn or silent, got %q", c.Validation.WarningLevel)
	}
	if c.Execution.DefaultWaitMs < 0 {
		return fmt.Errorf("execution.default_wait_ms must be >= 0, got %d", c.Execution.DefaultWaitMs)
	}
	if c.Execution.MaxMacroDepth < 1 {
		return fmt.Errorf("execution.max_macro_depth must be >= 1, got %d", c.Execution.MaxMacroDepth)
	}
	if c.Vision.MaxIterations < 1 {
		return fmt.Errorf("vision.max_iterations must be >= 1, got %d", c.Vision.MaxIterations)
	}
	if c.Vision.IterationTimeoutS < 1 {
		return fmt.Errorf("vision.iteration_timeout_s must be >= 1, got %d", c.Vision.IterationTimeoutS)
	}
	if c.Vision.ConfidenceThreshold < 0 || c.Vision.ConfidenceThreshold > 1 {
		return fmt.Errorf("vision.confidence_threshold must be between 0 and 1, got %g", c.Vision.ConfidenceThreshold)
	}
	if c.Vision.LoopDetectionThreshold < 2 {
		return fmt.Errorf("vision.loop_detection_threshold must be >= 2, got %d", c.Vision.LoopDetectionThreshold)
	}
	if c.Vision.LoopDetectionBufferSize < c.Vision.LoopDetectionThreshold {
		return fmt.Errorf("vision.loop_detection_buffer_size must be >= the threshold, got %d < %d",
			c.Vision.LoopDetectionBufferSize, c.Vision.LoopDetectionThreshold)
	}
	if c.Vision.ScreenshotQuality < 1 || c.Vision.ScreenshotQuality > 100 {
		return fmt.Errorf("vision.screenshot_quality must be between 1 and 100, got %d", c.Vision.ScreenshotQuality)
	}
	if c.Vision.EnableAuditLog && c.Vision.AuditLogPath == "" {
		return fmt.Errorf("vision.audit_log_path is required when the audit log is enabled")
	}
	if c.Vision.CoordinateMargin < 0 {
		return fmt.Errorf("vision.coordinate_margin must be >= 0, got %d", c.Vision.CoordinateMargin)
	}
	if c.Vision.CoordinateClampTolerance < 0 {
		return fmt.Errorf("vision.coordinate_clamp_tolerance must be >= 0, got %d", c.Vision.CoordinateClampTolerance)
	}
	if c.Planner.StatusTimeoutS < 1 {
		return fmt.Errorf("planner.status_timeout_s must be >= 1, got %d", c.Planner.StatusTimeoutS)
	}
	if c.Planner.LowConfidenceThreshold < 0 || c.Planner.LowConfidenceThreshold > 1 {
		return fmt.Errorf("planner.low_confidence_threshold must be between 0 and 1, got %g", c.Planner.LowConfidenceThreshold)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one. Non-zero values in other take
// precedence; booleans merge true-wins, so flags can switch features on but
// a file value of false cannot be overridden here (apply such overrides
// directly instead).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}

	// Broker
	if other.Broker.RootDir != "" {
		c.Broker.RootDir = other.Broker.RootDir
	}
	if other.Broker.PollIntervalMs != 0 {
		c.Broker.PollIntervalMs = other.Broker.PollIntervalMs
	}
	if other.Broker.Watch {
		c.Broker.Watch = true
	}

	// Validation
	if other.Validation.StrictMode {
		c.Validation.StrictMode = true
	}
	if other.Validation.WarningLevel != "" {
		c.Validation.WarningLevel = other.Validation.WarningLevel
	}

	// Execution
	if other.Execution.DryRun {
		c.Execution.DryRun = true
	}
	if other.Execution.DefaultWaitMs != 0 {
		c.Execution.DefaultWaitMs = other.Execution.DefaultWaitMs
	}
	if other.Execution.MaxMacroDepth != 0 {
		c.Execution.MaxMacroDepth = other.Execution.MaxMacroDepth
	}

	// Vision
	if other.Vision.MaxIterations != 0 {
		c.Vision.MaxIterations = other.Vision.MaxIterations
	}
	if other.Vision.IterationTimeoutS != 0 {
		c.Vision.IterationTimeoutS = other.Vision.IterationTimeoutS
	}
	if other.Vision.ConfidenceThreshold != 0 {
		c.Vision.ConfidenceThreshold = other.Vision.ConfidenceThreshold
	}
	if len(other.Vision.CriticalKeywords) > 0 {
		c.Vision.CriticalKeywords = other.Vision.CriticalKeywords
	}
	if other.Vision.LoopDetectionThreshold != 0 {
		c.Vision.LoopDetectionThreshold = other.Vision.LoopDetectionThreshold
	}
	if other.Vision.LoopDetectionBufferSize != 0 {
		c.Vision.LoopDetectionBufferSize = other.Vision.LoopDetectionBufferSize
	}
	if other.Vision.ScreenshotQuality != 0 {
		c.Vision.ScreenshotQuality = other.Vision.ScreenshotQuality
	}
	if other.Vision.EnableAuditLog {
		c.Vision.EnableAuditLog = true
	}
	if other.Vision.AuditLogPath != "" {
		c.Vision.AuditLogPath = other.Vision.AuditLogPath
	}
	if other.Vision.CoordinateMargin != 0 {
		c.Vision.CoordinateMargin = other.Vision.CoordinateMargin
	}
	if other.Vision.CoordinateClampTolerance != 0 {
		c.Vision.CoordinateClampTolerance = other.Vision.CoordinateClampTolerance
	}

	// Actions
	if len(other.Actions.EnabledCategories) > 0 {
		c.Actions.EnabledCategories = other.Actions.EnabledCategories
	}
	if len(other.Actions.DisabledActions) > 0 {
		c.Actions.DisabledActions = other.Actions.DisabledActions
	}

	// Planner
	if other.Planner.StatusTimeoutS != 0 {
		c.Planner.StatusTimeoutS = other.Planner.StatusTimeoutS
	}
	if other.Planner.LowConfidenceThreshold != 0 {
		c.Planner.LowConfidenceThreshold = other.Planner.LowConfidenceThreshold
	}
	if other.Planner.RefuseLowConfidence {
		c.Planner.RefuseLowConfidence = true
	}
	if other.Planner.CacheEnabled {
		c.Planner.CacheEnabled = true
	}
	if other.Planner.HistoryFile != "" {
		c.Planner.HistoryFile = other.Planner.HistoryFile
	}
	if other.Planner.StoreDir != "" {
		c.Planner.StoreDir = other.Planner.StoreDir
	}

	// LLM
	mergeTier(&c.LLM.Planner, other.LLM.Planner)
	mergeTier(&c.LLM.Vision, other.LLM.Vision)
}

func mergeTier(dst *TierConfig, src TierConfig) {
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.TimeoutS != 0 {
		dst.TimeoutS = src.TimeoutS
	}
}
