package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/pubsub"
)

const defaultSendTimeout = 2 * time.Second

// Recorder forwards the supervisor's status feed to every sink. A failing
// sink is logged and never blocks the others.
type Recorder struct {
	engine  string
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewRecorder(engine string, timeout time.Duration, log *slog.Logger, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Recorder{
		engine:  engine,
		sinks:   sinks,
		timeout: timeout,
		log:     logger.OrDefault(log).With("component", "history"),
	}
}

// FromStatus converts a feed entry into a history event.
func FromStatus(engine string, ev manager.StatusEvent) Event {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       EventStatus,
		OccurredAt: at.UTC(),
		Engine:     engine,
		State:      ev.Status.State.String(),
		Reason:     ev.Status.Reason,
		Message:    ev.Message,
		Attempt:    ev.Attempt,
		PID:        ev.PID,
	}
}

// Run consumes feed until it closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, feed <-chan pubsub.Event[manager.StatusEvent]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			r.Record(ctx, FromStatus(r.engine, ev.Payload))
		}
	}
}

// Record sends e to every sink with the per-send timeout.
func (r *Recorder) Record(ctx context.Context, e Event) {
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.Warn("history sink failed", "state", e.State, "error", err)
			continue
		}
		r.sent.Add(1)
	}
}

// Stats returns how many sends succeeded and failed.
func (r *Recorder) Stats() (sent, failed uint64) { return r.sent.Load(), r.failed.Load() }

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
