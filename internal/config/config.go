// Package config holds the viper-backed configuration singleton and the
// supervisor's on-disk layout ($SUPERVISOR_DIR and friends).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/Shepherd/internal/debug"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile.
	// Precedence: project .shepherd/config.yaml > ~/.config/shep/config.yaml > ~/.shepherd/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find project .shepherd/config.yaml, so commands
	//    work from repo subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".shepherd", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/shep/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "shep", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.shepherd/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".shepherd", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. SHEP_MAX_CONCURRENT, SHEP_DEFAULT_MODEL, SHEP_SUPERVISOR_DIR.
	v.SetEnvPrefix("SHEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// SUPERVISOR_DIR and LOG_DIR are honored without the prefix for
	// compatibility with the shell tooling that preceded this supervisor.
	_ = v.BindEnv("supervisor-dir", "SUPERVISOR_DIR", "SHEP_SUPERVISOR_DIR")
	_ = v.BindEnv("log-dir", "LOG_DIR", "SHEP_LOG_DIR")

	// Scheduling defaults
	v.SetDefault("max-concurrent", 4)
	v.SetDefault("max-retries", 3)
	v.SetDefault("max-escalations", 2)
	v.SetDefault("pulse.max-pr-actions", 3)
	v.SetDefault("pulse.max-dispatches", 8)
	v.SetDefault("pulse.lock-timeout", "30s")

	// Model routing defaults
	v.SetDefault("model.default-tier", "sonnet")
	v.SetDefault("model.verify-tier", "haiku")
	v.SetDefault("model.arbiter-tier", "haiku")
	v.SetDefault("model.table", "") // path to models.toml; empty = built-in table
	v.SetDefault("model.health-cache-ttl", "5m")
	v.SetDefault("model.min-samples", 5)
	v.SetDefault("model.min-success-rate", 0.8)

	// Dispatch defaults
	v.SetDefault("dispatch.claim-stale-after", "2h")
	v.SetDefault("dispatch.base-branch", "main")
	v.SetDefault("dispatch.worker-bin", "claude")

	// Deploy command, split on whitespace; empty disables deployment.
	v.SetDefault("deploy.cmd", "")

	// Quality gate defaults
	v.SetDefault("quality.min-log-bytes", 2048)
	v.SetDefault("quality.enabled", true)

	// Merge gate: merge_pr requires an APPROVED review unless opted in.
	v.SetDefault("merge.allow-unreviewed", false)

	// Store defaults
	v.SetDefault("store.busy-timeout", "5s")
	v.SetDefault("store.backup-keep", 5)

	// Task file defaults
	v.SetDefault("taskfile.name", "TASKS.md")
	v.SetDefault("taskfile.verify-name", "VERIFY.md")
	v.SetDefault("taskfile.push", true)
	v.SetDefault("taskfile.note-max-len", 200)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("Debug: loaded config from %s\n", v.ConfigFileUsed())
	} else {
		debug.Logf("Debug: no config.yaml found; using defaults and environment variables\n")
	}

	return nil
}

// SupervisorDir returns the state directory holding the store, worker logs,
// and PID sidecars. Defaults to ~/.shepherd.
func SupervisorDir() string {
	if dir := GetString("supervisor-dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shepherd"
	}
	return filepath.Join(home, ".shepherd")
}

// DBPath returns the path of the single per-host store file.
func DBPath() string {
	return filepath.Join(SupervisorDir(), "supervisor.db")
}

// LogsDir returns the directory of per-worker log files.
func LogsDir() string {
	return filepath.Join(SupervisorDir(), "logs")
}

// PidsDir returns the directory of per-task PID sidecar files.
func PidsDir() string {
	return filepath.Join(SupervisorDir(), "pids")
}

// WorktreesDir returns the root under which per-task worktrees are made.
func WorktreesDir() string {
	return filepath.Join(SupervisorDir(), "worktrees")
}

// RepoDir returns the managed repository checkout. Defaults to the
// current working directory so shep works when run from the repo.
func RepoDir() string {
	if dir := GetString("repo.dir"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// DecisionLogDir returns the directory PR-lifecycle decision logs are
// written to. LOG_DIR overrides; defaults under the supervisor dir.
func DecisionLogDir() string {
	if dir := GetString("log-dir"); dir != "" {
		return dir
	}
	return filepath.Join(SupervisorDir(), "decisions")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat retrieves a float configuration value.
func GetFloat(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value (used by flag overrides and tests).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}
