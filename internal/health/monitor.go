// Package health periodically pings the worker and reports the verdict.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/rpc"
)

// Verdict messages for the two failure modes that carry no worker detail.
const (
	MsgNotRunning = "process not running"
	MsgTimedOut   = "health check timed out"
)

// Result is one health verdict.
type Result struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Prober is the slice of the duplex channel the monitor needs.
type Prober interface {
	IsProcessRunning() bool
	SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*rpc.Response, error)
}

// Observer receives every verdict.
type Observer interface {
	OnHealthResult(Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

func (f ObserverFunc) OnHealthResult(r Result) { f(r) }

type Option func(*Monitor)

func WithObserver(o Observer) Option { return func(m *Monitor) { m.observer = o } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = logger.OrDefault(l).With("component", "health") }
}

// Monitor runs the probe loop. It is idle until Start and can be restarted
// after Stop.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	observer Observer
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	latest  *Result
}

func New(p Prober, interval, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   p,
		interval: interval,
		timeout:  timeout,
		log:      slog.Default().With("component", "health"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the probe loop; it is a no-op while already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.run(ctx, m.stopped)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Latest returns the most recent verdict, if any.
func (m *Monitor) Latest() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Result{}, false
	}
	return *m.latest, true
}

func (m *Monitor) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		r := m.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		m.record(r)
	}
}

// Check performs a single probe without touching the loop state.
func (m *Monitor) Check(ctx context.Context) Result {
	start := time.Now()
	if !m.prober.IsProcessRunning() {
		return Result{Error: MsgNotRunning, Timestamp: start}
	}
	resp, err := m.prober.SendRequest(ctx, rpc.MethodPing, nil, m.timeout)
	elapsed := time.Since(start)
	r := Result{ResponseTime: elapsed, Timestamp: time.Now()}
	switch {
	case errors.Is(err, errs.ErrTimeout):
		r.Error = MsgTimedOut
	case err != nil:
		r.Error = fmt.Sprintf("health check failed: %v", err)
	case resp.Error != nil:
		r.Error = fmt.Sprintf("health check error: %s", resp.Error.Message)
	default:
		r.Healthy = true
	}
	return r
}

func (m *Monitor) record(r Result) {
	m.mu.Lock()
	m.latest = &r
	obs := m.observer
	m.mu.Unlock()

	metrics.ObserveHealthCheck(r.Healthy, r.ResponseTime.Seconds())
	if r.Healthy {
		m.log.Debug("health check passed", "rtt", r.ResponseTime)
	} else {
		m.log.Warn("health check failed", "error", r.Error)
	}
	if obs != nil {
		obs.OnHealthResult(r)
	}
}
