// Package manager owns the worker lifecycle: spawn, readiness, health
// supervision, crash restarts with backoff and shutdown.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loykin/aiengine/internal/channel"
	"github.com/loykin/aiengine/internal/config"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/health"
	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/process"
	"github.com/loykin/aiengine/internal/pubsub"
	"github.com/loykin/aiengine/internal/rpc"
)

const (
	workerName = "ai-engine"
	// killWait bounds how long a killed worker may take to be reaped.
	killWait = 5 * time.Second
)

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = logger.OrDefault(l) }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithNotificationHandler receives every notification sent by the worker.
func WithNotificationHandler(h channel.NotificationHandler) Option {
	return func(s *Supervisor) { s.onNotify = h }
}

// Supervisor runs one worker at a time according to an EngineConfig.
type Supervisor struct {
	cfg      config.EngineConfig
	log      *slog.Logger
	tracer   trace.Tracer
	onNotify channel.NotificationHandler
	feed     *pubsub.Broker[StatusEvent]
	monitor  *health.Monitor
	stderr   io.WriteCloser

	// opMu serializes Start and Stop. The restart loop never takes it.
	opMu sync.Mutex

	mu        sync.Mutex
	status    Status
	attempts  int
	unhealthy int
	proc      *process.Process
	ch        *channel.Channel

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a stopped supervisor. The config is copied.
func New(cfg config.EngineConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.Clone(),
		log:    slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("noop"),
		feed:   pubsub.NewBroker[StatusEvent](),
		status: Status{State: Stopped},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "supervisor")
	if s.cfg.WorkerLogFile != "" {
		s.stderr = logger.Config{}.RotatingFile(s.cfg.WorkerLogFile)
	}
	s.monitor = health.New(probe{s}, s.cfg.HealthCheckInterval, s.cfg.HealthCheckTimeout,
		health.WithLogger(s.log),
		health.WithObserver(s))
	return s
}

// Config returns the supervisor's configuration.
func (s *Supervisor) Config() config.EngineConfig { return s.cfg.Clone() }

// Start spawns the worker and waits until it reports ready.
func (s *Supervisor) Start(ctx context.Context) error {
	const op = "start"
	if err := s.cfg.Validate(); err != nil {
		return errs.New(errs.KindConfiguration, op, err)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.status.State.Active() {
		s.mu.Unlock()
		return errs.ErrAlreadyRunning
	}
	s.mu.Unlock()

	// leftovers from a cycle that ended in Error
	s.haltLoop()
	s.monitor.Stop()
	s.discardCycle()

	s.mu.Lock()
	s.attempts = 0
	s.unhealthy = 0
	s.setLocked(Starting, "", "starting engine", 0)
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.mu.Lock()
		s.setLocked(Error, err.Error(), "engine failed to start", 0)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.setLocked(Ready, "", "engine ready", 0)
	s.mu.Unlock()

	s.monitor.Start()
	s.startLoop()
	return nil
}

// Stop shuts the worker down: shutdown notification, grace period, then kill.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.haltLoop()
	s.monitor.Stop()

	s.mu.Lock()
	ch, p := s.ch, s.proc
	s.ch, s.proc = nil, nil
	s.mu.Unlock()

	var err error
	if ch != nil {
		grace := s.cfg.ShutdownGracePeriod
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < grace {
				grace = max(left, 0)
			}
		}
		err = ch.Terminate(grace)
	}
	if p != nil {
		p.Release()
	}

	s.mu.Lock()
	if s.status.State != Stopped {
		s.setLocked(Stopped, "", "engine stopped", 0)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("worker shutdown was not clean", "error", err)
	}
	return err
}

// Close stops the worker and closes the status feed and worker log.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.feed.Close()
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
	return err
}

// SendRequest calls method on the worker with the configured request timeout
// and returns the raw result.
func (s *Supervisor) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.SendRequestTimeout(ctx, method, params, s.cfg.RequestTimeout)
}

// SendRequestTimeout is SendRequest with an explicit timeout. An error
// object in the response is returned as a json-rpc error wrapping *rpc.Error.
func (s *Supervisor) SendRequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ch, err := s.readyChannel()
	if err != nil {
		return nil, err
	}
	resp, err := ch.SendRequest(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errs.New(errs.KindJSONRPC, method, resp.Error)
	}
	return resp.Result, nil
}

// SendNotification sends a message that expects no reply.
func (s *Supervisor) SendNotification(method string, params any) error {
	ch, err := s.readyChannel()
	if err != nil {
		return err
	}
	return ch.SendNotification(method, params)
}

func (s *Supervisor) readyChannel() (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != Ready || s.ch == nil {
		return nil, errs.ErrNotReady
	}
	return s.ch, nil
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns the status feed. The channel closes with ctx.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan pubsub.Event[StatusEvent] {
	return s.feed.Subscribe(ctx)
}

// RestartAttempts returns the crash count of the current run.
func (s *Supervisor) RestartAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastHealth returns the latest health verdict.
func (s *Supervisor) LastHealth() (health.Result, bool) { return s.monitor.Latest() }

// PID returns the worker's pid, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// InFlight lists the requests awaiting a reply, oldest first.
func (s *Supervisor) InFlight() []channel.Call {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.InFlight()
}

// Cancel fails the in-flight request id with a canceled error and asks the
// worker to drop it.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return errs.ErrNotReady
	}
	if !ch.Cancel(id) {
		return errs.Newf(errs.KindNotFound, "cancel", "no in-flight request %q", id)
	}
	s.log.Info("request canceled", "id", id)
	return nil
}

// Pending returns the number of in-flight requests.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.Pending()
}

// setLocked records a transition and publishes it. s.mu must be held.
func (s *Supervisor) setLocked(st State, reason, msg string, attempt int) {
	prev := s.status.State
	s.status = Status{State: st, Reason: reason}
	metrics.RecordStateTransition(prev.String(), st.String())
	metrics.SetCurrentState(st.String(), StateNames())

	ev := StatusEvent{Status: s.status, Message: msg, Attempt: attempt, Timestamp: time.Now()}
	if s.proc != nil {
		ev.PID = s.proc.PID()
	}
	s.feed.Publish(EventStatus, ev)

	attrs := []any{"from", prev.String(), "to", st.String()}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if attempt > 0 {
		attrs = append(attrs, "attempt", attempt)
	}
	switch st {
	case Error, ProcessCrashed, HealthCheckFailed:
		s.log.Warn(msg, attrs...)
	default:
		s.log.Info(msg, attrs...)
	}
}

func (s *Supervisor) handleNotification(m rpc.Message) {
	s.log.Debug("worker notification", "method", m.Method)
	if s.onNotify != nil {
		s.onNotify(m)
	}
}

// discardCycle tears down whatever channel and process remain without the
// graceful shutdown handshake.
func (s *Supervisor) discardCycle() {
	s.mu.Lock()
	ch, p := s.ch, s.proc
	s.ch, s.proc = nil, nil
	s.mu.Unlock()
	releaseCycle(ch, p)
}

func releaseCycle(ch *channel.Channel, p *process.Process) {
	if ch != nil {
		ch.Close()
	}
	if p == nil {
		return
	}
	if !p.Wait(0) {
		_ = p.Kill()
		p.Wait(killWait)
	}
	p.Release()
}

// isStartupAbort reports whether err came from a cancelled start.
func isStartupAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
