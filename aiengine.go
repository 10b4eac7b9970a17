// Package aiengine supervises an AI engine worker process: it spawns the
// worker, speaks line-delimited JSON-RPC 2.0 to it over stdio, health-checks
// it and restarts it with exponential backoff when it crashes.
package aiengine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/aiengine/internal/channel"
	cfg "github.com/loykin/aiengine/internal/config"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/health"
	"github.com/loykin/aiengine/internal/history"
	"github.com/loykin/aiengine/internal/history/factory"
	"github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/rpc"
	iapi "github.com/loykin/aiengine/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.EngineConfig

type FileConfig = cfg.FileConfig

type Supervisor = manager.Supervisor

type Option = manager.Option

type State = manager.State

type Status = manager.Status

type StatusEvent = manager.StatusEvent

type InFlightCall = channel.Call

type HealthResult = health.Result

type Message = rpc.Message

type RPCError = rpc.Error

type HistorySink = history.Sink

type HistoryRecorder = history.Recorder

const (
	Stopped           = manager.Stopped
	Starting          = manager.Starting
	Ready             = manager.Ready
	Restarting        = manager.Restarting
	HealthCheckFailed = manager.HealthCheckFailed
	ProcessCrashed    = manager.ProcessCrashed
	Error             = manager.Error
)

// Sentinel errors; match with errors.Is.
var (
	ErrProcessSpawn   = errs.ErrProcessSpawn
	ErrCommunication  = errs.ErrCommunication
	ErrTimeout        = errs.ErrTimeout
	ErrConfiguration  = errs.ErrConfiguration
	ErrJSONRPC        = errs.ErrJSONRPC
	ErrStartupFailed  = errs.ErrStartupFailed
	ErrNotReady       = errs.ErrNotReady
	ErrAlreadyRunning = errs.ErrAlreadyRunning
	ErrCanceled       = errs.ErrCanceled
	ErrNotFound       = errs.ErrNotFound
)

var (
	WithLogger              = manager.WithLogger
	WithTracer              = manager.WithTracer
	WithNotificationHandler = manager.WithNotificationHandler
)

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config { return cfg.Default() }

// New creates a stopped supervisor for c.
func New(c Config, opts ...Option) *Supervisor { return manager.New(c, opts...) }

// LoadConfig reads a config file and applies AIENGINE_* overrides.
func LoadConfig(path string) (FileConfig, error) { return cfg.Load(path) }

// SaveConfig writes the engine section of c to path.
func SaveConfig(path string, c Config) error { return cfg.Save(path, c) }

// NewHTTPHandler exposes s over the daemon's HTTP API under basePath.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API for s.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s)
}

// NewHistorySinks opens one sink per DSN (sqlite://, postgres://, clickhouse://).
func NewHistorySinks(dsns ...string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// NewHistoryRecorder records the status feed of an engine into sinks.
func NewHistoryRecorder(engine string, sinks ...HistorySink) *HistoryRecorder {
	return history.NewRecorder(engine, 0, nil, sinks...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
