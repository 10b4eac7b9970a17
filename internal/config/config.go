package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied by Default.
const (
	DefaultExecutable             = "python"
	DefaultScript                 = "ai_core/main.py"
	DefaultStartupTimeout         = 30 * time.Second
	DefaultHealthCheckInterval    = 10 * time.Second
	DefaultHealthCheckTimeout     = 5 * time.Second
	DefaultMaxRestartAttempts     = 3
	DefaultRestartDelayBase       = 2 * time.Second
	DefaultMaxRestartDelay        = 60 * time.Second
	DefaultRequestTimeout         = 30 * time.Second
	DefaultShutdownGracePeriod    = 3 * time.Second
	DefaultRestartPollInterval    = time.Second
	DefaultReadyPollInterval      = 100 * time.Millisecond
	MaxStartupTimeout             = 300 * time.Second
	MaxShutdownGracePeriod        = 60 * time.Second
	MaxRestartAttemptsLimit       = 10
	MaxEnvKeyLen                  = 1000
	MaxEnvValueLen                = 10000
	defaultHealthFailureThreshold = 0
)

// EngineConfig describes how to spawn and supervise the worker process.
type EngineConfig struct {
	Executable       string            `mapstructure:"executable" json:"executable"`
	Script           string            `mapstructure:"script" json:"script"`
	Args             []string          `mapstructure:"args" json:"args,omitempty"`
	WorkingDirectory string            `mapstructure:"working_directory" json:"working_directory"`
	Environment      map[string]string `mapstructure:"-" json:"environment,omitempty"`

	StartupTimeout      time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout" json:"health_check_timeout"`
	MaxRestartAttempts  int           `mapstructure:"max_restart_attempts" json:"max_restart_attempts"`
	RestartDelayBase    time.Duration `mapstructure:"restart_delay_base" json:"restart_delay_base"`
	MaxRestartDelay     time.Duration `mapstructure:"max_restart_delay" json:"max_restart_delay"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period" json:"shutdown_grace_period"`
	RestartPollInterval time.Duration `mapstructure:"restart_poll_interval" json:"restart_poll_interval"`
	ReadyPollInterval   time.Duration `mapstructure:"ready_poll_interval" json:"ready_poll_interval"`

	// HealthFailureThreshold kills a running but unresponsive worker after
	// this many consecutive failed probes. Zero disables it.
	HealthFailureThreshold int `mapstructure:"health_failure_threshold" json:"health_failure_threshold"`

	DebugLogging  bool   `mapstructure:"debug_logging" json:"debug_logging"`
	LogFilePath   string `mapstructure:"log_file_path" json:"log_file_path,omitempty"`
	WorkerLogFile string `mapstructure:"worker_log_file" json:"worker_log_file,omitempty"`
}

// Default returns the built-in configuration rooted at the current directory.
func Default() EngineConfig {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return EngineConfig{
		Executable:             DefaultExecutable,
		Script:                 DefaultScript,
		WorkingDirectory:       wd,
		Environment:            map[string]string{},
		StartupTimeout:         DefaultStartupTimeout,
		HealthCheckInterval:    DefaultHealthCheckInterval,
		HealthCheckTimeout:     DefaultHealthCheckTimeout,
		MaxRestartAttempts:     DefaultMaxRestartAttempts,
		RestartDelayBase:       DefaultRestartDelayBase,
		MaxRestartDelay:        DefaultMaxRestartDelay,
		RequestTimeout:         DefaultRequestTimeout,
		ShutdownGracePeriod:    DefaultShutdownGracePeriod,
		RestartPollInterval:    DefaultRestartPollInterval,
		ReadyPollInterval:      DefaultReadyPollInterval,
		HealthFailureThreshold: defaultHealthFailureThreshold,
	}
}

// WithExecutable returns a copy using the given interpreter or binary.
func (c EngineConfig) WithExecutable(path string) EngineConfig {
	c.Executable = path
	return c
}

// WithScript returns a copy using the given script.
func (c EngineConfig) WithScript(path string) EngineConfig {
	c.Script = path
	return c
}

// WithWorkingDirectory returns a copy using the given working directory.
func (c EngineConfig) WithWorkingDirectory(dir string) EngineConfig {
	c.WorkingDirectory = dir
	return c
}

// WithEnv returns a copy with one extra environment variable.
func (c EngineConfig) WithEnv(key, value string) EngineConfig {
	m := make(map[string]string, len(c.Environment)+1)
	for k, v := range c.Environment {
		m[k] = v
	}
	m[key] = value
	c.Environment = m
	return c
}

// WithStartupTimeout returns a copy with the given startup timeout.
func (c EngineConfig) WithStartupTimeout(d time.Duration) EngineConfig {
	c.StartupTimeout = d
	return c
}

// WithHealthCheck returns a copy with the given probe interval and timeout.
func (c EngineConfig) WithHealthCheck(interval, timeout time.Duration) EngineConfig {
	c.HealthCheckInterval = interval
	c.HealthCheckTimeout = timeout
	return c
}

// WithRestartPolicy returns a copy with the given restart bounds.
func (c EngineConfig) WithRestartPolicy(maxAttempts int, base, maxDelay time.Duration) EngineConfig {
	c.MaxRestartAttempts = maxAttempts
	c.RestartDelayBase = base
	c.MaxRestartDelay = maxDelay
	return c
}

// WithDebugLogging toggles debug logging.
func (c EngineConfig) WithDebugLogging(on bool) EngineConfig {
	c.DebugLogging = on
	return c
}

// Clone returns a deep copy.
func (c EngineConfig) Clone() EngineConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Environment = make(map[string]string, len(c.Environment))
	for k, v := range c.Environment {
		out.Environment[k] = v
	}
	return out
}

// Backoff returns the delay before restart attempt k (1-based):
// min(RestartDelayBase * 2^(k-1), MaxRestartDelay).
func (c EngineConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RestartDelayBase
	for i := 1; i < attempt; i++ {
		if d >= c.MaxRestartDelay {
			return c.MaxRestartDelay
		}
		d *= 2
	}
	if d > c.MaxRestartDelay {
		return c.MaxRestartDelay
	}
	return d
}

// ScriptPath resolves Script against WorkingDirectory when it is relative.
func (c EngineConfig) ScriptPath() string {
	if c.Script == "" || filepath.IsAbs(c.Script) || c.WorkingDirectory == "" {
		return c.Script
	}
	return filepath.Join(c.WorkingDirectory, c.Script)
}

// Command returns the argv used to spawn the worker.
func (c EngineConfig) Command() []string {
	argv := []string{c.Executable}
	if c.Script != "" {
		argv = append(argv, c.ScriptPath())
	}
	return append(argv, c.Args...)
}

// Validate checks paths, timeouts, restart bounds and the environment.
func (c EngineConfig) Validate() error {
	if err := validateExecutable(c.Executable); err != nil {
		return err
	}
	if c.WorkingDirectory != "" {
		if strings.Contains(c.WorkingDirectory, "..") {
			return fmt.Errorf("working directory contains path traversal: %s", c.WorkingDirectory)
		}
		fi, err := os.Stat(c.WorkingDirectory)
		if err != nil {
			return fmt.Errorf("working directory does not exist: %s", c.WorkingDirectory)
		}
		if !fi.IsDir() {
			return fmt.Errorf("working directory is not a directory: %s", c.WorkingDirectory)
		}
	}
	if c.Script != "" {
		if strings.Contains(c.Script, "..") {
			return fmt.Errorf("script path contains path traversal: %s", c.Script)
		}
		if _, err := os.Stat(c.ScriptPath()); err != nil {
			return fmt.Errorf("script does not exist: %s", c.ScriptPath())
		}
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive")
	}
	if c.StartupTimeout > MaxStartupTimeout {
		return fmt.Errorf("startup timeout %s exceeds %s", c.StartupTimeout, MaxStartupTimeout)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}
	if c.MaxRestartAttempts < 0 || c.MaxRestartAttempts > MaxRestartAttemptsLimit {
		return fmt.Errorf("max restart attempts must be between 0 and %d", MaxRestartAttemptsLimit)
	}
	if c.RestartDelayBase <= 0 {
		return fmt.Errorf("restart delay base must be positive")
	}
	if c.MaxRestartDelay < c.RestartDelayBase {
		return fmt.Errorf("max restart delay must not be less than restart delay base")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 || c.ShutdownGracePeriod > MaxShutdownGracePeriod {
		return fmt.Errorf("shutdown grace period must be in (0, %s]", MaxShutdownGracePeriod)
	}
	if c.RestartPollInterval <= 0 {
		return fmt.Errorf("restart poll interval must be positive")
	}
	if c.ReadyPollInterval <= 0 {
		return fmt.Errorf("ready poll interval must be positive")
	}
	if c.HealthFailureThreshold < 0 {
		return fmt.Errorf("health failure threshold must not be negative")
	}
	for _, p := range []string{c.LogFilePath, c.WorkerLogFile} {
		if strings.Contains(p, "..") {
			return fmt.Errorf("log path contains path traversal: %s", p)
		}
	}
	for k, v := range c.Environment {
		if err := validateEnvVar(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validateExecutable(p string) error {
	if p == "" {
		return fmt.Errorf("executable must not be empty")
	}
	if strings.Contains(p, "..") || strings.Contains(p, "~") {
		return fmt.Errorf("executable path contains unsafe characters: %s", p)
	}
	// bare names such as "python3" are resolved through PATH
	if !strings.ContainsRune(p, filepath.Separator) && !strings.ContainsRune(p, '/') {
		if _, err := exec.LookPath(p); err != nil {
			return fmt.Errorf("executable not found in PATH: %s", p)
		}
		return nil
	}
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("executable does not exist: %s", p)
	}
	return nil
}

func validateEnvVar(k, v string) error {
	if k == "" || strings.ContainsRune(k, '=') {
		return fmt.Errorf("invalid environment variable name %q", k)
	}
	if strings.ContainsRune(k, 0) || strings.ContainsRune(v, 0) {
		return fmt.Errorf("environment variable %q contains a NUL byte", k)
	}
	if len(k) > MaxEnvKeyLen {
		return fmt.Errorf("environment variable name too long: %d bytes", len(k))
	}
	if len(v) > MaxEnvValueLen {
		return fmt.Errorf("environment variable %q value too long: %d bytes", k, len(v))
	}
	return nil
}
