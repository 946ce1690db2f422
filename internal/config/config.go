package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LockConfig controls the run lock.
type LockConfig struct {
	// StaleAfter is how old a lock heartbeat may get before another
	// controller may reclaim it
	StaleAfter time.Duration

	// HeartbeatInterval is how often the holder renews the lock
	HeartbeatInterval time.Duration
}

// WorkerConfig describes the coding worker CLI and its timeouts.
type WorkerConfig struct {
	Command string
	Args    []string
	Model   string

	// DispatchTimeout caps a single prompt send
	DispatchTimeout time.Duration

	// IdleTimeout caps the wait for the worker to finish a turn
	IdleTimeout time.Duration

	// MaxTransportAttempts is the number of sends, across rotated
	// sessions, before a transport failure is final
	MaxTransportAttempts int
}

// GatesConfig bounds the gate repair loop.
type GatesConfig struct {
	MaxElapsed          time.Duration
	MaxNoProgressStreak int

	// ScaffoldCommand runs once instead of a worker repair when the first
	// failure matches one of ScaffoldPatterns
	ScaffoldCommand  string
	ScaffoldPatterns []string

	MaxOutputBytes int

	// FingerprintExclude lists extra top-level names ignored when
	// detecting workspace changes
	FingerprintExclude []string
}

// SemanticConfig bounds the semantic repair loop.
type SemanticConfig struct {
	MaxElapsed            time.Duration
	MaxRepeatedFailures   int
	JudgeTransportRetries int
}

// JudgeConfig describes the verifier CLI.
type JudgeConfig struct {
	Command string
	Model   string
	Timeout time.Duration

	// RateLimitMaxWait is the longest reported rate limit the judge waits
	// out before giving up (0 = never wait)
	RateLimitMaxWait time.Duration
}

// UIConfig enables the optional UI verifier. An empty Command disables it.
type UIConfig struct {
	Command string
	Timeout time.Duration
}

// HistoryConfig controls the SQLite attempt log.
type HistoryConfig struct {
	Enabled bool
	DBPath  string
}

// Config represents taskloop configuration options
type Config struct {
	// TasksFile is the task document, relative to the project root
	TasksFile string

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string

	// MaxRepairAttempts is the per-task repair ceiling shared by the gate
	// and semantic loops (0 = unlimited)
	MaxRepairAttempts int

	Lock     LockConfig
	Worker   WorkerConfig
	Gates    GatesConfig
	Semantic SemanticConfig
	Judge    JudgeConfig
	UI       UIConfig
	History  HistoryConfig
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		TasksFile:         "tasks.yaml",
		LogLevel:          "info",
		MaxRepairAttempts: 10,
		Lock: LockConfig{
			StaleAfter:        6 * time.Hour,
			HeartbeatInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Command:              "claude",
			DispatchTimeout:      60 * time.Second,
			IdleTimeout:          30 * time.Minute,
			MaxTransportAttempts: 3,
		},
		Gates: GatesConfig{
			MaxElapsed:          30 * time.Minute,
			MaxNoProgressStreak: 3,
			MaxOutputBytes:      8 * 1024,
		},
		Semantic: SemanticConfig{
			MaxElapsed:            30 * time.Minute,
			MaxRepeatedFailures:   3,
			JudgeTransportRetries: 2,
		},
		Judge: JudgeConfig{
			Command:          "claude",
			Timeout:          10 * time.Minute,
			RateLimitMaxWait: 15 * time.Minute,
		},
		UI: UIConfig{
			Timeout: 5 * time.Minute,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(StateDirName, "history.db"),
		},
	}
}

// yamlConfig is the on-disk shape. Durations are strings such as "90s".
type yamlConfig struct {
	TasksFile         string `yaml:"tasks_file"`
	LogLevel          string `yaml:"log_level"`
	MaxRepairAttempts int    `yaml:"max_repair_attempts"`
	Lock              struct {
		StaleAfter        string `yaml:"stale_after"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
	} `yaml:"lock"`
	Worker struct {
		Command              string   `yaml:"command"`
		Args                 []string `yaml:"args"`
		Model                string   `yaml:"model"`
		DispatchTimeout      string   `yaml:"dispatch_timeout"`
		IdleTimeout          string   `yaml:"idle_timeout"`
		MaxTransportAttempts int      `yaml:"max_transport_attempts"`
	} `yaml:"worker"`
	Gates struct {
		MaxElapsed          string   `yaml:"max_elapsed"`
		MaxNoProgressStreak int      `yaml:"max_no_progress_streak"`
		ScaffoldCommand     string   `yaml:"scaffold_command"`
		ScaffoldPatterns    []string `yaml:"scaffold_patterns"`
		MaxOutputBytes      int      `yaml:"max_output_bytes"`
		FingerprintExclude  []string `yaml:"fingerprint_exclude"`
	} `yaml:"gates"`
	Semantic struct {
		MaxElapsed            string `yaml:"max_elapsed"`
		MaxRepeatedFailures   int    `yaml:"max_repeated_failures"`
		JudgeTransportRetries int    `yaml:"judge_transport_retries"`
	} `yaml:"semantic"`
	Judge struct {
		Command          string `yaml:"command"`
		Model            string `yaml:"model"`
		Timeout          string `yaml:"timeout"`
		RateLimitMaxWait string `yaml:"rate_limit_max_wait"`
	} `yaml:"judge"`
	UI struct {
		Command string `yaml:"command"`
		Timeout string `yaml:"timeout"`
	} `yaml:"ui"`
	History struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"history"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decoding over the defaults keeps every key the file leaves out,
	// including booleans explicitly set to false.
	raw := toYAML(cfg)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return fromYAML(raw)
}

// LoadConfigFromDir loads configuration from .taskloop/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(PathsFor(dir).Config)
}

func toYAML(c *Config) yamlConfig {
	var y yamlConfig
	y.TasksFile = c.TasksFile
	y.LogLevel = c.LogLevel
	y.MaxRepairAttempts = c.MaxRepairAttempts
	y.Lock.StaleAfter = c.Lock.StaleAfter.String()
	y.Lock.HeartbeatInterval = c.Lock.HeartbeatInterval.String()
	y.Worker.Command = c.Worker.Command
	y.Worker.Args = c.Worker.Args
	y.Worker.Model = c.Worker.Model
	y.Worker.DispatchTimeout = c.Worker.DispatchTimeout.String()
	y.Worker.IdleTimeout = c.Worker.IdleTimeout.String()
	y.Worker.MaxTransportAttempts = c.Worker.MaxTransportAttempts
	y.Gates.MaxElapsed = c.Gates.MaxElapsed.String()
	y.Gates.MaxNoProgressStreak = c.Gates.MaxNoProgressStreak
	y.Gates.ScaffoldCommand = c.Gates.ScaffoldCommand
	y.Gates.ScaffoldPatterns = c.Gates.ScaffoldPatterns
	y.Gates.MaxOutputBytes = c.Gates.MaxOutputBytes
	y.Gates.FingerprintExclude = c.Gates.FingerprintExclude
	y.Semantic.MaxElapsed = c.Semantic.MaxElapsed.String()
	y.Semantic.MaxRepeatedFailures = c.Semantic.MaxRepeatedFailures
	y.Semantic.JudgeTransportRetries = c.Semantic.JudgeTransportRetries
	y.Judge.Command = c.Judge.Command
	y.Judge.Model = c.Judge.Model
	y.Judge.Timeout = c.Judge.Timeout.String()
	y.Judge.RateLimitMaxWait = c.Judge.RateLimitMaxWait.String()
	y.UI.Command = c.UI.Command
	y.UI.Timeout = c.UI.Timeout.String()
	y.History.Enabled = c.History.Enabled
	y.History.DBPath = c.History.DBPath
	return y
}

func fromYAML(y yamlConfig) (*Config, error) {
	c := &Config{
		TasksFile:         y.TasksFile,
		LogLevel:          y.LogLevel,
		MaxRepairAttempts: y.MaxRepairAttempts,
		Worker: WorkerConfig{
			Command:              y.Worker.Command,
			Args:                 y.Worker.Args,
			Model:                y.Worker.Model,
			MaxTransportAttempts: y.Worker.MaxTransportAttempts,
		},
		Gates: GatesConfig{
			MaxNoProgressStreak: y.Gates.MaxNoProgressStreak,
			ScaffoldCommand:     y.Gates.ScaffoldCommand,
			ScaffoldPatterns:    y.Gates.ScaffoldPatterns,
			MaxOutputBytes:      y.Gates.MaxOutputBytes,
			FingerprintExclude:  y.Gates.FingerprintExclude,
		},
		Semantic: SemanticConfig{
			MaxRepeatedFailures:   y.Semantic.MaxRepeatedFailures,
			JudgeTransportRetries: y.Semantic.JudgeTransportRetries,
		},
		Judge:   JudgeConfig{Command: y.Judge.Command, Model: y.Judge.Model},
		UI:      UIConfig{Command: y.UI.Command},
		History: HistoryConfig{Enabled: y.History.Enabled, DBPath: y.History.DBPath},
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"lock.stale_after", y.Lock.StaleAfter, &c.Lock.StaleAfter},
		{"lock.heartbeat_interval", y.Lock.HeartbeatInterval, &c.Lock.HeartbeatInterval},
		{"worker.dispatch_timeout", y.Worker.DispatchTimeout, &c.Worker.DispatchTimeout},
		{"worker.idle_timeout", y.Worker.IdleTimeout, &c.Worker.IdleTimeout},
		{"gates.max_elapsed", y.Gates.MaxElapsed, &c.Gates.MaxElapsed},
		{"semantic.max_elapsed", y.Semantic.MaxElapsed, &c.Semantic.MaxElapsed},
		{"judge.timeout", y.Judge.Timeout, &c.Judge.Timeout},
		{"judge.rate_limit_max_wait", y.Judge.RateLimitMaxWait, &c.Judge.RateLimitMaxWait},
		{"ui.timeout", y.UI.Timeout, &c.UI.Timeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.key, d.value, err)
		}
		*d.dst = parsed
	}
	return c, nil
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(tasksFile *string, logLevel *string, maxRepairAttempts *int) {
	if tasksFile != nil {
		c.TasksFile = *tasksFile
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if maxRepairAttempts != nil {
		c.MaxRepairAttempts = *maxRepairAttempts
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.TasksFile == "" {
		return fmt.Errorf("tasks_file cannot be empty")
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.MaxRepairAttempts < 0 {
		return fmt.Errorf("max_repair_attempts must be >= 0, got %d", c.MaxRepairAttempts)
	}

	if c.Lock.StaleAfter <= 0 {
		return fmt.Errorf("lock.stale_after must be > 0, got %v", c.Lock.StaleAfter)
	}
	if c.Lock.HeartbeatInterval <= 0 || c.Lock.HeartbeatInterval >= c.Lock.StaleAfter {
		return fmt.Errorf("lock.heartbeat_interval must be > 0 and shorter than lock.stale_after, got %v", c.Lock.HeartbeatInterval)
	}

	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command cannot be empty")
	}
	if c.Worker.DispatchTimeout < 0 || c.Worker.IdleTimeout < 0 {
		return fmt.Errorf("worker timeouts must be >= 0")
	}
	if c.Worker.MaxTransportAttempts < 0 {
		return fmt.Errorf("worker.max_transport_attempts must be >= 0, got %d", c.Worker.MaxTransportAttempts)
	}

	// Zero durations and counts fall back to the component defaults
	if c.Gates.MaxElapsed < 0 || c.Semantic.MaxElapsed < 0 {
		return fmt.Errorf("max_elapsed must be >= 0")
	}
	if c.Gates.MaxNoProgressStreak < 0 {
		return fmt.Errorf("gates.max_no_progress_streak must be >= 0, got %d", c.Gates.MaxNoProgressStreak)
	}
	if c.Gates.MaxOutputBytes < 0 {
		return fmt.Errorf("gates.max_output_bytes must be >= 0, got %d", c.Gates.MaxOutputBytes)
	}
	if c.Semantic.MaxRepeatedFailures < 0 {
		return fmt.Errorf("semantic.max_repeated_failures must be >= 0, got %d", c.Semantic.MaxRepeatedFailures)
	}

	if c.Judge.Command == "" {
		return fmt.Errorf("judge.command cannot be empty")
	}
	if c.Judge.Timeout < 0 || c.Judge.RateLimitMaxWait < 0 {
		return fmt.Errorf("judge durations must be >= 0")
	}

	if c.UI.Timeout < 0 {
		return fmt.Errorf("ui.timeout must be >= 0, got %v", c.UI.Timeout)
	}

	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path cannot be empty when history is enabled")
	}

	return nil
}
