// Package channel implements the duplex JSON-RPC link to a worker process:
// a reader goroutine matching responses to pending requests and a writer
// goroutine draining an unbounded outbound queue.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/process"
	"github.com/loykin/aiengine/internal/rpc"
	"github.com/loykin/aiengine/internal/tracing"
)

// MaxLineSize bounds a single inbound JSON line.
const MaxLineSize = 16 << 20

// killWait bounds how long Terminate waits for a killed worker to be reaped.
const killWait = 5 * time.Second

// maxTermWait caps the wait between SIGTERM and SIGKILL.
const maxTermWait = 2 * time.Second

// Handle is the process side of the channel.
type Handle interface {
	TryWait() (process.Liveness, error)
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

// NotificationHandler receives notifications sent by the worker. It runs on
// the reader goroutine and must not block.
type NotificationHandler func(rpc.Message)

// IDGenerator produces request ids.
type IDGenerator func() string

type Option func(*Channel)

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Channel) { c.onNotify = h }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Channel) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithIDGenerator replaces the uuid generator. Used by tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Channel) {
		if g != nil {
			c.newID = g
		}
	}
}

// Channel is bound to one worker spawn; a restarted worker gets a new Channel.
type Channel struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	h      Handle

	log      *slog.Logger
	tracer   trace.Tracer
	onNotify NotificationHandler
	newID    IDGenerator

	pending *pendingTable
	out     *outbox

	closed     atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
	readerDone chan struct{}
	writerDone chan struct{}
}

// New binds a channel to the worker's streams and starts the reader and
// writer goroutines.
func New(stdin io.WriteCloser, stdout io.ReadCloser, h Handle, opts ...Option) *Channel {
	c := &Channel{
		stdin:      stdin,
		stdout:     stdout,
		h:          h,
		log:        slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("noop"),
		newID:      uuid.NewString,
		pending:    newPendingTable(),
		out:        newOutbox(),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "channel")
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Done is closed when the channel has been torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause, or nil while the channel is open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a response.
func (c *Channel) Pending() int { return c.pending.len() }

// InFlight lists the requests awaiting a response, oldest first.
func (c *Channel) InFlight() []Call { return c.pending.snapshot() }

// Cancel abandons the in-flight request id: its caller gets a canceled
// error and the worker is sent a cancel notification. It reports whether
// the request was still pending.
func (c *Channel) Cancel(id string) bool {
	slot, ok := c.pending.take(id)
	if !ok {
		return false
	}
	slot <- result{err: errs.Newf(errs.KindCanceled, "send request", "request %s canceled", id)}
	metrics.SetPending(c.pending.len())
	if err := c.SendNotification(rpc.MethodCancel, map[string]string{"id": id}); err != nil {
		c.log.Debug("cancel notification not sent", "id", id, "error", err)
	}
	return true
}

// IsProcessRunning probes the worker without blocking. A failed probe
// counts as not running.
func (c *Channel) IsProcessRunning() bool {
	st, err := c.h.TryWait()
	if err != nil {
		c.log.Debug("liveness probe failed", "error", err)
		return false
	}
	return st == process.Running
}

// SendNotification enqueues a message that expects no reply.
func (c *Channel) SendNotification(method string, params any) error {
	const op = "send notification"
	if c.closed.Load() {
		return commErr(op, c.closeCause())
	}
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	line, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	if !c.out.push(line) {
		return errs.Newf(errs.KindCommunication, op, "writer stopped")
	}
	metrics.IncNotification("outbound")
	return nil
}

// SendRequest sends a request and waits for its response, the timeout, ctx
// cancellation or channel teardown, whichever comes first. A timeout <= 0
// waits without a deadline. A response carrying an error object is
// returned as is; callers inspect resp.Error.
func (c *Channel) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*rpc.Response, error) {
	const op = "send request"
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "rpc "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(tracing.AttrMethod.String(method))

	resp, outcome, err := c.roundTrip(ctx, op, method, params, timeout, span)
	metrics.ObserveRequest(method, outcome, time.Since(start).Seconds())
	metrics.SetPending(c.pending.len())
	span.SetAttributes(tracing.AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	return resp, err
}

func (c *Channel) roundTrip(ctx context.Context, op, method string, params any, timeout time.Duration, span trace.Span) (*rpc.Response, string, error) {
	if c.closed.Load() {
		return nil, "closed", commErr(op, c.closeCause())
	}
	id := c.newID()
	span.SetAttributes(tracing.AttrRequestID.String(id))
	msg, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return nil, "encode", err
	}
	line, err := rpc.Encode(msg)
	if err != nil {
		return nil, "encode", err
	}
	slot, ok := c.pending.register(id, method)
	if !ok {
		if c.closed.Load() {
			return nil, "closed", commErr(op, c.closeCause())
		}
		return nil, "encode", fmt.Errorf("%s: duplicate request id %q", op, id)
	}
	metrics.SetPending(c.pending.len())
	if !c.out.push(line) {
		c.pending.take(id)
		return nil, "closed", errs.Newf(errs.KindCommunication, op, "writer stopped")
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-slot:
		return settle(r)
	case <-timer:
		if _, mine := c.pending.take(id); mine {
			return nil, "timeout", errs.Newf(errs.KindTimeout, op, "%s: no response after %s", method, timeout)
		}
		// lost the race: the response or teardown is already in the slot
		return settle(<-slot)
	case <-ctx.Done():
		if _, mine := c.pending.take(id); mine {
			return nil, "canceled", ctx.Err()
		}
		return settle(<-slot)
	}
}

func settle(r result) (*rpc.Response, string, error) {
	switch {
	case errs.KindOf(r.err) == errs.KindCanceled:
		return nil, "canceled", r.err
	case r.err != nil:
		return nil, "closed", r.err
	case r.resp.Error != nil:
		return r.resp, "rpc_error", nil
	default:
		return r.resp, "ok", nil
	}
}

// Terminate asks the worker to shut down and waits up to grace for it to
// exit. A worker still running is sent SIGTERM, then killed after
// min(grace, 2s). The channel is torn down in every case.
func (c *Channel) Terminate(grace time.Duration) error {
	if err := c.SendNotification(rpc.MethodShutdown, nil); err != nil {
		c.log.Debug("shutdown notification not sent", "error", err)
	}
	// writer drains what is queued, then closes the worker's stdin
	c.out.close()

	var err error
	exited := waitDone(c.h.Done(), grace)
	if !exited {
		c.log.Warn("worker did not exit within grace period, terminating", "grace", grace)
		if terr := c.h.Terminate(); terr != nil {
			c.log.Warn("terminate failed", "error", terr)
		}
		exited = waitDone(c.h.Done(), min(grace, maxTermWait))
	}
	if !exited {
		c.log.Warn("worker ignored SIGTERM, killing")
		if kerr := c.h.Kill(); kerr != nil {
			c.log.Warn("kill failed", "error", kerr)
		}
		if !waitDone(c.h.Done(), killWait) {
			err = errs.Newf(errs.KindCommunication, "terminate", "worker still running after kill")
		}
	}
	c.teardown(errs.Newf(errs.KindCommunication, "terminate", "channel terminated"))
	_ = c.stdout.Close()
	return err
}

// Close tears the channel down without touching the process.
func (c *Channel) Close() {
	c.teardown(errs.Newf(errs.KindCommunication, "close", "channel closed"))
	_ = c.stdout.Close()
}

// readLoop hands every line to handleLine. A line longer than MaxLineSize
// is skipped up to its newline; only EOF or a read error ends the loop.
func (c *Channel) readLoop() {
	defer close(c.readerDone)
	r := bufio.NewReaderSize(c.stdout, 64*1024)
	var (
		line     []byte
		skipping bool
		skipped  int
	)
	for {
		chunk, err := r.ReadSlice('\n')
		switch {
		case skipping:
			skipped += len(chunk)
		case len(line)+len(chunk) > MaxLineSize+1:
			skipping, skipped = true, len(line)+len(chunk)
			line = nil
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || len(line) > 0 || skipping {
			if skipping {
				metrics.IncDecodeError()
				c.log.Warn("discarding oversized line", "bytes", skipped, "limit", MaxLineSize)
			} else {
				c.handleLine(bytes.TrimRight(line, "\r\n"))
			}
			if cap(line) > 1<<20 {
				line = nil
			}
			line, skipping, skipped = line[:0], false, 0
		}
		if err != nil {
			if !c.closed.Load() {
				c.log.Info("worker output closed", "reason", err)
			}
			c.teardown(errs.New(errs.KindCommunication, "read", err))
			return
		}
	}
}

func (c *Channel) handleLine(line []byte) {
	f, err := rpc.Decode(line)
	if errors.Is(err, rpc.ErrMalformedResponse) {
		metrics.IncDecodeError()
		c.log.Warn("malformed response", "error", err)
		if slot, ok := c.pending.take(f.Response.ID); ok {
			slot <- result{err: errs.New(errs.KindCommunication, "read", err)}
		}
		return
	}
	if err != nil {
		if !errors.Is(err, rpc.ErrEmptyLine) {
			metrics.IncDecodeError()
			c.log.Warn("discarding undecodable line", "error", err)
		}
		return
	}
	if f.Response != nil {
		slot, ok := c.pending.take(f.Response.ID)
		if !ok {
			metrics.IncOrphanResponse()
			c.log.Warn("response for unknown request", "id", f.Response.ID)
			return
		}
		select {
		case slot <- result{resp: f.Response}:
		default:
			c.log.Warn("reply slot already filled", "id", f.Response.ID)
		}
		return
	}
	msg := f.Message
	if msg.ID != nil {
		// the supervisor does not serve worker-initiated requests
		c.log.Debug("rejecting worker request", "method", msg.Method, "id", *msg.ID)
		c.replyError(*msg.ID, rpc.CodeMethodNotFound, "Method not found")
		return
	}
	metrics.IncNotification("inbound")
	c.log.Debug("worker notification", "method", msg.Method, "params", string(msg.Params))
	if c.onNotify != nil {
		c.onNotify(*msg)
	}
}

func (c *Channel) replyError(id string, code int, message string) {
	line, err := rpc.Encode(rpc.Response{JSONRPC: rpc.Version, ID: id, Error: &rpc.Error{Code: code, Message: message}})
	if err == nil {
		c.out.push(line)
	}
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	defer func() { _ = c.stdin.Close() }()
	w := bufio.NewWriter(c.stdin)
	for {
		batch, closed := c.out.drain()
		for _, line := range batch {
			if _, err := w.Write(line); err != nil {
				c.writerFailed(err)
				return
			}
			if err := w.Flush(); err != nil {
				c.writerFailed(err)
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-c.out.wake:
		case <-c.done:
			// flush anything queued before teardown, then stop
			batch, _ := c.out.drain()
			for _, line := range batch {
				if _, err := w.Write(line); err != nil {
					return
				}
			}
			_ = w.Flush()
			return
		}
	}
}

func (c *Channel) writerFailed(err error) {
	c.log.Warn("write to worker failed", "error", err)
	c.out.close()
}

func (c *Channel) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.closed.Store(true)
		c.out.close()
		close(c.done)
		if n := c.pending.failAll(cause); n > 0 {
			c.log.Warn("failed pending requests", "count", n, "reason", cause)
		}
		metrics.SetPending(0)
	})
}

// commErr wraps cause as a communication error unless it already is one.
func commErr(op string, cause error) error {
	if errs.KindOf(cause) == errs.KindCommunication {
		return cause
	}
	return errs.New(errs.KindCommunication, op, cause)
}

func (c *Channel) closeCause() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errors.New("channel closed")
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
