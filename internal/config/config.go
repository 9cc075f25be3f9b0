// Package config defines and loads the fixpoint configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
)

// Config is the root configuration for both the loop and the dashboard.
type Config struct {
	Target   TargetConfig   `koanf:"target"`
	Agent    AgentConfig    `koanf:"agent"`
	Engine   EngineConfig   `koanf:"engine"`
	Checks   []CheckConfig  `koanf:"checks"`
	Safety   SafetyConfig   `koanf:"safety"`
	Paths    PathsConfig    `koanf:"paths"`
	Tasks    TasksConfig    `koanf:"tasks"`
	Parallel ParallelConfig `koanf:"parallel"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Notify   NotifyConfig   `koanf:"notify"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// TargetConfig identifies the repository the loop operates on.
type TargetConfig struct {
	// RepoPath is the working tree of the target repository.
	RepoPath string `koanf:"repo_path"`
	// MainBranch is the branch cycles commit to and workers merge back into.
	MainBranch string `koanf:"main_branch"`
	// Remote is pushed to after commit when PushAfterCommit is set.
	Remote          string `koanf:"remote"`
	PushAfterCommit bool   `koanf:"push_after_commit"`
}

// AgentConfig controls the external code-generation agent.
type AgentConfig struct {
	Command           string        `koanf:"command"`
	Model             string        `koanf:"model"`
	FallbackModel     string        `koanf:"fallback_model"`
	MaxTurns          int           `koanf:"max_turns"`
	Timeout           time.Duration `koanf:"timeout"`
	Retries           int           `koanf:"retries"`
	MaxCallsPerMinute int           `koanf:"max_calls_per_minute"`
	ExtraArgs         []string      `koanf:"extra_args"`
}

// EngineConfig controls the cycle state machine.
type EngineConfig struct {
	LoopInterval         time.Duration `koanf:"loop_interval"`
	CycleTimeout         time.Duration `koanf:"cycle_timeout"`
	MaxValidationRetries int           `koanf:"max_validation_retries"`
	// DedupWindow is the number of most recent history entries consulted
	// when rejecting tasks whose fingerprint was already attempted.
	DedupWindow int `koanf:"dedup_window"`
	// HistoryCap bounds the persisted history; older records fall off.
	HistoryCap int              `koanf:"history_cap"`
	Batch      BatchConfig      `koanf:"batch"`
	SelfModify SelfModifyConfig `koanf:"self_modify"`
}

// BatchConfig bounds the adaptive batch sizing.
type BatchConfig struct {
	Initial int `koanf:"initial"`
	Min     int `koanf:"min"`
	Max     int `koanf:"max"`
	// Window is how many recent cycle records are replayed to recover the
	// batch size after a restart.
	Window int `koanf:"window"`
	Grow   int `koanf:"grow"`
	Shrink int `koanf:"shrink"`
}

// SelfModifyConfig enables the backup and syntax gate used when the loop
// edits its own sources.
type SelfModifyConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BackupDir string `koanf:"backup_dir"`
}

// CheckConfig is one validation command. Checks run in declaration order
// and the first failure stops the run.
type CheckConfig struct {
	Name    string        `koanf:"name"`
	Command string        `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
}

// SafetyConfig bounds what the loop may do per hour and when it must stop.
type SafetyConfig struct {
	LockPath               string        `koanf:"lock_path"`
	LockStaleAfter         time.Duration `koanf:"lock_stale_after"`
	MinDiskMB              int64         `koanf:"min_disk_mb"`
	MinMemoryMB            int64         `koanf:"min_memory_mb"`
	MaxCyclesPerHour       int           `koanf:"max_cycles_per_hour"`
	MaxCostPerHourUSD      float64       `koanf:"max_cost_per_hour_usd"`
	MaxConsecutiveFailures int           `koanf:"max_consecutive_failures"`
	BreakerResetFile       string        `koanf:"breaker_reset_file"`
	MaxChangedFiles        int           `koanf:"max_changed_files"`
	ProtectedPaths         []string      `koanf:"protected_paths"`
}

// PathsConfig places fixpoint's own state on disk. Relative paths resolve
// under BaseDir; BaseDir itself resolves against the working directory.
// BaseDir must not live inside the target repository unless it is ignored
// there.
type PathsConfig struct {
	BaseDir     string `koanf:"base_dir"`
	StateDir    string `koanf:"state_dir"`
	HistoryFile string `koanf:"history_file"`
	LogFile     string `koanf:"log_file"`
}

// TasksConfig controls the directory task source.
type TasksConfig struct {
	Dir           string        `koanf:"dir"`
	MaxFileBytes  int64         `koanf:"max_file_bytes"`
	MaxFailures   int           `koanf:"max_failures"`
	DoneRetention time.Duration `koanf:"done_retention"`
	Watch         bool          `koanf:"watch"`
}

// ParallelConfig controls the worker pool.
type ParallelConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Workers         int           `koanf:"workers"`
	WorktreeDir     string        `koanf:"worktree_dir"`
	BranchPrefix    string        `koanf:"branch_prefix"`
	MergeStrategy   string        `koanf:"merge_strategy"`
	MaxMergeRetries int           `koanf:"max_merge_retries"`
	CleanupTimeout  time.Duration `koanf:"cleanup_timeout"`
}

// PipelineConfig controls the staged executor. The coder stage is always
// present; the others are optional.
type PipelineConfig struct {
	Enabled      bool        `koanf:"enabled"`
	MaxRevisions int         `koanf:"max_revisions"`
	Planner      StageConfig `koanf:"planner"`
	Tester       StageConfig `koanf:"tester"`
	Reviewer     StageConfig `koanf:"reviewer"`
}

// StageConfig enables one pipeline stage, optionally on its own model.
type StageConfig struct {
	Enabled bool   `koanf:"enabled"`
	Model   string `koanf:"model"`
}

// NotifyConfig controls webhook notifications.
type NotifyConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Format     string        `koanf:"format"`
	OnCommit   bool          `koanf:"on_commit"`
	OnRollback bool          `koanf:"on_rollback"`
	OnHalt     bool          `koanf:"on_halt"`
	OnSafety   bool          `koanf:"on_safety"`
	Dedup      time.Duration `koanf:"dedup"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig exposes Prometheus metrics when enabled.
type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

func applyDefaults(cfg *Config) {
	if cfg.Target.MainBranch == "" {
		cfg.Target.MainBranch = "main"
	}
	if cfg.Target.Remote == "" {
		cfg.Target.Remote = "origin"
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "sonnet"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 25
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 4 * time.Hour
	}
	if cfg.Agent.Retries == 0 {
		cfg.Agent.Retries = 3
	}
	if cfg.Agent.MaxCallsPerMinute == 0 {
		cfg.Agent.MaxCallsPerMinute = 6
	}

	if cfg.Engine.LoopInterval == 0 {
		cfg.Engine.LoopInterval = 30 * time.Second
	}
	if cfg.Engine.CycleTimeout == 0 {
		cfg.Engine.CycleTimeout = 12 * time.Hour
	}
	if cfg.Engine.MaxValidationRetries == 0 {
		cfg.Engine.MaxValidationRetries = 5
	}
	if cfg.Engine.DedupWindow == 0 {
		cfg.Engine.DedupWindow = 50
	}
	if cfg.Engine.HistoryCap == 0 {
		cfg.Engine.HistoryCap = 1000
	}
	if cfg.Engine.Batch.Initial == 0 {
		cfg.Engine.Batch.Initial = 3
	}
	if cfg.Engine.Batch.Min == 0 {
		cfg.Engine.Batch.Min = 1
	}
	if cfg.Engine.Batch.Max == 0 {
		cfg.Engine.Batch.Max = 10
	}
	if cfg.Engine.Batch.Window == 0 {
		cfg.Engine.Batch.Window = 10
	}
	if cfg.Engine.Batch.Grow == 0 {
		cfg.Engine.Batch.Grow = 1
	}
	if cfg.Engine.Batch.Shrink == 0 {
		cfg.Engine.Batch.Shrink = 2
	}

	if len(cfg.Checks) == 0 {
		cfg.Checks = []CheckConfig{
			{Name: "build", Command: "go build ./...", Timeout: 10 * time.Minute},
			{Name: "test", Command: "go test ./...", Timeout: 2 * time.Hour},
		}
	}
	for i := range cfg.Checks {
		if cfg.Checks[i].Timeout == 0 {
			cfg.Checks[i].Timeout = 2 * time.Hour
		}
	}

	if cfg.Safety.LockStaleAfter == 0 {
		cfg.Safety.LockStaleAfter = 24 * time.Hour
	}
	if cfg.Safety.MinDiskMB == 0 {
		cfg.Safety.MinDiskMB = 500
	}
	if cfg.Safety.MinMemoryMB == 0 {
		cfg.Safety.MinMemoryMB = 256
	}
	if cfg.Safety.MaxCyclesPerHour == 0 {
		cfg.Safety.MaxCyclesPerHour = 30
	}
	if cfg.Safety.MaxCostPerHourUSD == 0 {
		cfg.Safety.MaxCostPerHourUSD = 10.0
	}
	if cfg.Safety.MaxConsecutiveFailures == 0 {
		cfg.Safety.MaxConsecutiveFailures = 5
	}
	if cfg.Safety.MaxChangedFiles == 0 {
		cfg.Safety.MaxChangedFiles = 20
	}

	if cfg.Paths.BaseDir == "" {
		cfg.Paths.BaseDir = ".fixpoint"
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "state"
	}
	if cfg.Paths.HistoryFile == "" {
		cfg.Paths.HistoryFile = "history.json"
	}

	if cfg.Tasks.Dir == "" {
		cfg.Tasks.Dir = "tasks"
	}
	if cfg.Tasks.MaxFileBytes == 0 {
		cfg.Tasks.MaxFileBytes = 64 * 1024
	}
	if cfg.Tasks.MaxFailures == 0 {
		cfg.Tasks.MaxFailures = 3
	}
	if cfg.Tasks.DoneRetention == 0 {
		cfg.Tasks.DoneRetention = 7 * 24 * time.Hour
	}

	if cfg.Parallel.Workers == 0 {
		cfg.Parallel.Workers = 3
	}
	if cfg.Parallel.WorktreeDir == "" {
		cfg.Parallel.WorktreeDir = "worktrees"
	}
	if cfg.Parallel.BranchPrefix == "" {
		cfg.Parallel.BranchPrefix = "fixpoint"
	}
	if cfg.Parallel.MergeStrategy == "" {
		cfg.Parallel.MergeStrategy = "rebase"
	}
	if cfg.Parallel.MaxMergeRetries == 0 {
		cfg.Parallel.MaxMergeRetries = 2
	}
	if cfg.Parallel.CleanupTimeout == 0 {
		cfg.Parallel.CleanupTimeout = time.Minute
	}

	if cfg.Pipeline.MaxRevisions == 0 {
		cfg.Pipeline.MaxRevisions = 2
	}

	if cfg.Notify.Format == "" {
		cfg.Notify.Format = "generic"
	}
	if cfg.Notify.Dedup == 0 {
		cfg.Notify.Dedup = time.Minute
	}
	if cfg.Notify.WebhookURL != "" && !cfg.Notify.OnCommit && !cfg.Notify.OnRollback && !cfg.Notify.OnHalt && !cfg.Notify.OnSafety {
		cfg.Notify.OnHalt = true
		cfg.Notify.OnSafety = true
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9464"
	}
}

// normalizePaths resolves every relative path in the config. BaseDir
// resolves against the working directory, everything else under BaseDir.
func normalizePaths(cfg *Config) error {
	abs, err := filepath.Abs(cfg.Paths.BaseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	cfg.Paths.BaseDir = abs

	under := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cfg.Paths.BaseDir, p)
	}
	cfg.Paths.StateDir = under(cfg.Paths.StateDir)
	cfg.Paths.LogFile = under(cfg.Paths.LogFile)
	if !filepath.IsAbs(cfg.Paths.HistoryFile) {
		cfg.Paths.HistoryFile = filepath.Join(cfg.Paths.StateDir, cfg.Paths.HistoryFile)
	}
	cfg.Tasks.Dir = under(cfg.Tasks.Dir)
	cfg.Parallel.WorktreeDir = under(cfg.Parallel.WorktreeDir)
	if cfg.Safety.LockPath == "" {
		cfg.Safety.LockPath = filepath.Join(cfg.Paths.StateDir, "fixpoint.lock")
	} else {
		cfg.Safety.LockPath = under(cfg.Safety.LockPath)
	}
	if cfg.Safety.BreakerResetFile == "" {
		cfg.Safety.BreakerResetFile = filepath.Join(cfg.Paths.StateDir, "breaker.reset")
	} else {
		cfg.Safety.BreakerResetFile = under(cfg.Safety.BreakerResetFile)
	}
	if cfg.Engine.SelfModify.BackupDir == "" {
		cfg.Engine.SelfModify.BackupDir = under("backup")
	} else {
		cfg.Engine.SelfModify.BackupDir = under(cfg.Engine.SelfModify.BackupDir)
	}

	if cfg.Target.RepoPath != "" {
		abs, err := filepath.Abs(cfg.Target.RepoPath)
		if err != nil {
			return fmt.Errorf("resolving repo path: %w", err)
		}
		cfg.Target.RepoPath = abs
	}
	return nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Target.RepoPath == "" {
		return fmt.Errorf("target.repo_path is required")
	}
	if info, err := os.Stat(c.Target.RepoPath); err != nil || !info.IsDir() {
		return fmt.Errorf("target.repo_path %s is not a directory", c.Target.RepoPath)
	}
	if _, err := git.PlainOpen(c.Target.RepoPath); err != nil {
		return fmt.Errorf("target.repo_path %s is not a git repository: %w", c.Target.RepoPath, err)
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive")
	}

	if c.Engine.LoopInterval <= 0 {
		return fmt.Errorf("engine.loop_interval must be positive")
	}
	if c.Engine.CycleTimeout < c.Agent.Timeout {
		return fmt.Errorf("engine.cycle_timeout %s is shorter than agent.timeout %s", c.Engine.CycleTimeout, c.Agent.Timeout)
	}
	if c.Engine.MaxValidationRetries < 0 {
		return fmt.Errorf("engine.max_validation_retries must not be negative")
	}
	if c.Engine.DedupWindow < 0 {
		return fmt.Errorf("engine.dedup_window must not be negative")
	}
	b := c.Engine.Batch
	if b.Min < 1 || b.Min > b.Initial || b.Initial > b.Max {
		return fmt.Errorf("engine.batch requires 1 <= min <= initial <= max, got min=%d initial=%d max=%d", b.Min, b.Initial, b.Max)
	}
	if b.Window < 1 {
		return fmt.Errorf("engine.batch.window must be positive")
	}

	seen := make(map[string]bool, len(c.Checks))
	for i, chk := range c.Checks {
		if chk.Name == "" {
			return fmt.Errorf("checks[%d].name is required", i)
		}
		if chk.Command == "" {
			return fmt.Errorf("check %q has no command", chk.Name)
		}
		if chk.Timeout <= 0 {
			return fmt.Errorf("check %q has non-positive timeout", chk.Name)
		}
		if seen[chk.Name] {
			return fmt.Errorf("duplicate check name %q", chk.Name)
		}
		seen[chk.Name] = true
	}

	if c.Safety.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("safety.max_consecutive_failures must be at least 1")
	}
	if c.Safety.MaxCyclesPerHour < 1 {
		return fmt.Errorf("safety.max_cycles_per_hour must be at least 1")
	}
	if c.Safety.MaxCostPerHourUSD < 0 {
		return fmt.Errorf("safety.max_cost_per_hour_usd must not be negative")
	}
	if c.Safety.LockStaleAfter <= 0 {
		return fmt.Errorf("safety.lock_stale_after must be positive")
	}

	if c.Parallel.Enabled {
		if c.Parallel.Workers < 1 {
			return fmt.Errorf("parallel.workers must be at least 1")
		}
		switch c.Parallel.MergeStrategy {
		case "ff", "merge", "rebase":
		default:
			return fmt.Errorf("parallel.merge_strategy %q is not one of ff, merge, rebase", c.Parallel.MergeStrategy)
		}
		if c.Parallel.MaxMergeRetries < 0 {
			return fmt.Errorf("parallel.max_merge_retries must not be negative")
		}
	}

	if c.Pipeline.Enabled && c.Pipeline.MaxRevisions < 0 {
		return fmt.Errorf("pipeline.max_revisions must not be negative")
	}

	if c.Notify.WebhookURL != "" {
		switch c.Notify.Format {
		case "generic", "slack", "discord":
		default:
			return fmt.Errorf("notify.format %q is not one of generic, slack, discord", c.Notify.Format)
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}

	return nil
}
