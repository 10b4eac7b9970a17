package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// AIENGINE_ENGINE_STARTUP_TIMEOUT=45s.
const EnvPrefix = "AIENGINE"

// FileConfig is the on-disk layout read by the daemon.
type FileConfig struct {
	Env     []string      `mapstructure:"env"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LogConfig controls the supervisor's own logger.
type LogConfig struct {
	Format     string `mapstructure:"format"` // text, json or color
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the daemon API. CertFile and KeyFile win over
// Dir; with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	Hosts        []string `mapstructure:"hosts"`       // DNS names and IPs for generated certs
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DSNs        []string      `mapstructure:"dsns"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// DefaultFile returns a FileConfig populated with defaults.
func DefaultFile() FileConfig {
	return FileConfig{
		Engine:  Default(),
		Log:     LogConfig{Format: "text"},
		Server:  ServerConfig{Listen: "127.0.0.1:8790", BasePath: "/api", TLS: TLSConfig{MinVersion: "1.3"}},
		Metrics: MetricsConfig{Enabled: true, SampleInterval: 5 * time.Second},
		History: HistoryConfig{SendTimeout: 2 * time.Second},
		Tracing: TracingConfig{Exporter: "none", SampleRate: 1.0, ServiceName: "aiengine"},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	d := DefaultFile()
	e := d.Engine
	v.SetDefault("engine.executable", e.Executable)
	v.SetDefault("engine.script", e.Script)
	v.SetDefault("engine.args", e.Args)
	v.SetDefault("engine.working_directory", e.WorkingDirectory)
	v.SetDefault("engine.startup_timeout", e.StartupTimeout)
	v.SetDefault("engine.health_check_interval", e.HealthCheckInterval)
	v.SetDefault("engine.health_check_timeout", e.HealthCheckTimeout)
	v.SetDefault("engine.max_restart_attempts", e.MaxRestartAttempts)
	v.SetDefault("engine.restart_delay_base", e.RestartDelayBase)
	v.SetDefault("engine.max_restart_delay", e.MaxRestartDelay)
	v.SetDefault("engine.request_timeout", e.RequestTimeout)
	v.SetDefault("engine.shutdown_grace_period", e.ShutdownGracePeriod)
	v.SetDefault("engine.restart_poll_interval", e.RestartPollInterval)
	v.SetDefault("engine.ready_poll_interval", e.ReadyPollInterval)
	v.SetDefault("engine.health_failure_threshold", e.HealthFailureThreshold)
	v.SetDefault("engine.debug_logging", e.DebugLogging)
	v.SetDefault("engine.log_file_path", e.LogFilePath)
	v.SetDefault("engine.worker_log_file", e.WorkerLogFile)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", d.Server.TLS.MinVersion)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.sample_interval", d.Metrics.SampleInterval)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.send_timeout", d.History.SendTimeout)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	return v
}

// Load reads a TOML, YAML or JSON file (by extension), applies AIENGINE_*
// environment overrides and validates the engine section. An empty path
// yields defaults plus environment overrides.
func Load(path string) (FileConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if configType(path) != "" {
			v.SetConfigType(configType(path))
		}
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	fc := DefaultFile()
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	env, err := parseEnvList(fc.Env)
	if err != nil {
		return FileConfig{}, err
	}
	fc.Engine.Environment = env
	if path != "" {
		base := filepath.Dir(path)
		fc.Engine.WorkingDirectory = relTo(base, fc.Engine.WorkingDirectory)
		fc.Server.TLS.CertFile = relTo(base, fc.Server.TLS.CertFile)
		fc.Server.TLS.KeyFile = relTo(base, fc.Server.TLS.KeyFile)
		fc.Server.TLS.Dir = relTo(base, fc.Server.TLS.Dir)
	}
	if err := fc.Engine.Validate(); err != nil {
		return FileConfig{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return fc, nil
}

// LoadEngine is Load for callers that only need the engine section.
func LoadEngine(path string) (EngineConfig, error) {
	fc, err := Load(path)
	if err != nil {
		return EngineConfig{}, err
	}
	return fc.Engine, nil
}

// Save writes the engine section to path in the format implied by its
// extension. Durations are written as strings such as "30s".
func Save(path string, c EngineConfig) error {
	v := viper.New()
	v.Set("engine.executable", c.Executable)
	v.Set("engine.script", c.Script)
	if len(c.Args) > 0 {
		v.Set("engine.args", c.Args)
	}
	v.Set("engine.working_directory", c.WorkingDirectory)
	v.Set("engine.startup_timeout", c.StartupTimeout.String())
	v.Set("engine.health_check_interval", c.HealthCheckInterval.String())
	v.Set("engine.health_check_timeout", c.HealthCheckTimeout.String())
	v.Set("engine.max_restart_attempts", c.MaxRestartAttempts)
	v.Set("engine.restart_delay_base", c.RestartDelayBase.String())
	v.Set("engine.max_restart_delay", c.MaxRestartDelay.String())
	v.Set("engine.request_timeout", c.RequestTimeout.String())
	v.Set("engine.shutdown_grace_period", c.ShutdownGracePeriod.String())
	v.Set("engine.restart_poll_interval", c.RestartPollInterval.String())
	v.Set("engine.ready_poll_interval", c.ReadyPollInterval.String())
	v.Set("engine.health_failure_threshold", c.HealthFailureThreshold)
	v.Set("engine.debug_logging", c.DebugLogging)
	if c.LogFilePath != "" {
		v.Set("engine.log_file_path", c.LogFilePath)
	}
	if c.WorkerLogFile != "" {
		v.Set("engine.worker_log_file", c.WorkerLogFile)
	}
	if len(c.Environment) > 0 {
		keys := make([]string, 0, len(c.Environment))
		for k := range c.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		list := make([]string, 0, len(keys))
		for _, k := range keys {
			list = append(list, k+"="+c.Environment[k])
		}
		v.Set("env", list)
	}
	if t := configType(path); t != "" {
		v.SetConfigType(t)
	} else {
		v.SetConfigType("toml")
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// relTo resolves a relative p against the config file's directory.
func relTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}

// parseEnvList converts "K=V" entries to a map. Keys keep their case.
func parseEnvList(list []string) (map[string]string, error) {
	m := make(map[string]string, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m, nil
}
