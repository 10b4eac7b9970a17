// Package stubworker is a minimal worker speaking the engine's line
// protocol. It backs integration tests and the `aiengined stub-worker`
// command, and doubles as a reference for worker authors.
package stubworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/aiengine/internal/rpc"
)

// EnvMode selects the mode when the worker is launched by a test binary.
const EnvMode = "AIENGINE_STUB_WORKER"

// StatusNotification is the method of the worker's status broadcasts.
const StatusNotification = "ai.status.update"

// Exit codes.
const (
	ExitOK    = 0
	ExitCrash = 3
)

// SlowDelay is how long the slow mode holds every reply other than status.
const SlowDelay = 500 * time.Millisecond

type Mode string

const (
	ModeReady  Mode = "ready"  // answers everything
	ModeSilent Mode = "silent" // reads but never replies
	ModeSlow   Mode = "slow"   // ready, but every other reply is delayed
	ModeCrash  Mode = "crash"  // exits with ExitCrash before reading
	// ModeHangup reports ready, then closes stdout and keeps running.
	ModeHangup Mode = "hangup"
)

// ParseMode maps a flag or environment value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeReady, ModeSilent, ModeSlow, ModeCrash, ModeHangup:
		return m, nil
	case "":
		return ModeReady, nil
	default:
		return "", fmt.Errorf("unknown stub worker mode %q", s)
	}
}

type worker struct {
	mode Mode
	log  *slog.Logger

	mu     sync.Mutex
	out    *bufio.Writer
	closer io.Closer
	hungUp bool

	status string
	wg     sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}
}

// Run serves the protocol on in/out until EOF, a shutdown message, a crash
// request or ctx cancellation, and returns the process exit code.
func Run(ctx context.Context, mode Mode, in io.Reader, out io.Writer) int {
	w := &worker{
		mode:    mode,
		log:     slog.New(slog.NewTextHandler(os.Stderr, nil)).With("mode", string(mode)),
		out:     bufio.NewWriter(out),
		status:  "starting",
		cancels: make(map[string]chan struct{}),
	}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	if mode == ModeCrash {
		w.log.Error("fatal: model failed to load")
		return ExitCrash
	}
	if mode != ModeSilent {
		w.status = "ready"
		w.notify(StatusNotification, map[string]any{
			"status":    "ready",
			"message":   "stub worker is ready",
			"timestamp": float64(time.Now().UnixNano()) / 1e9,
		})
	}

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	code := ExitOK
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				w.log.Info("EOF received, shutting down")
				break loop
			}
			done, c := w.handle(line)
			if done {
				code = c
				break loop
			}
		}
	}
	w.wg.Wait()
	if code == ExitOK && mode != ModeSilent {
		w.notify(StatusNotification, map[string]any{"status": "stopped", "message": "stub worker stopped"})
	}
	return code
}

// handle processes one line and reports whether the worker should exit.
func (w *worker) handle(line []byte) (bool, int) {
	f, err := rpc.Decode(line)
	if errors.Is(err, rpc.ErrEmptyLine) {
		return false, 0
	}
	if err != nil || f.Message == nil {
		if w.mode != ModeSilent {
			w.write(map[string]any{
				"jsonrpc": rpc.Version,
				"error":   rpc.Error{Code: rpc.CodeParseError, Message: "Parse error"},
				"id":      nil,
			})
		}
		return false, 0
	}
	m := f.Message
	switch m.Method {
	case rpc.MethodShutdown:
		if m.ID != nil && w.mode != ModeSilent {
			w.reply(*m.ID, map[string]string{"message": "shutting down"})
		}
		return true, ExitOK
	case "crash":
		w.log.Error("crash requested")
		return true, ExitCrash
	case rpc.MethodCancel:
		w.cancel(gjson.GetBytes(m.Params, "id").String())
		return false, 0
	}
	if m.ID == nil || w.mode == ModeSilent {
		return false, 0
	}
	id := *m.ID
	if w.mode == ModeSlow && m.Method != rpc.MethodStatus {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			time.Sleep(SlowDelay)
			w.dispatch(id, m)
		}()
		return false, 0
	}
	if m.Method == "sleep" {
		stop := w.track(id)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.untrack(id)
			w.sleep(id, m, stop)
		}()
		return false, 0
	}
	w.dispatch(id, m)
	return false, 0
}

func (w *worker) dispatch(id string, m *rpc.Message) {
	switch m.Method {
	case rpc.MethodStatus:
		w.reply(id, w.status)
		if w.mode == ModeHangup && w.status == "ready" {
			w.hangup()
		}
	case rpc.MethodPing:
		w.reply(id, map[string]any{
			"pong":      true,
			"status":    w.status,
			"timestamp": time.Now().Format(time.RFC3339Nano),
		})
	case "echo":
		w.reply(id, m.Params)
	case "sleep":
		w.sleep(id, m, nil)
	case "fail":
		w.replyError(id, rpc.CodeInternalError, "requested failure")
	default:
		w.replyError(id, rpc.CodeMethodNotFound, "Method not found: "+m.Method)
	}
}

// sleep replies after params.ms unless the request is canceled first.
func (w *worker) sleep(id string, m *rpc.Message, stop <-chan struct{}) {
	ms := gjson.GetBytes(m.Params, "ms").Int()
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		w.reply(id, map[string]int64{"slept_ms": ms})
	case <-stop:
		w.log.Info("request canceled", "id", id)
	}
}

func (w *worker) track(id string) <-chan struct{} {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	ch := make(chan struct{})
	w.cancels[id] = ch
	return ch
}

func (w *worker) untrack(id string) {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	delete(w.cancels, id)
}

func (w *worker) cancel(id string) {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	if ch, ok := w.cancels[id]; ok {
		close(ch)
		delete(w.cancels, id)
	}
}

// hangup closes the output stream; later writes are dropped.
func (w *worker) hangup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.out.Flush()
	w.hungUp = true
	if w.closer != nil {
		_ = w.closer.Close()
	}
	w.log.Info("stdout closed")
}

func (w *worker) reply(id string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.replyError(id, rpc.CodeInternalError, err.Error())
		return
	}
	w.write(rpc.Response{JSONRPC: rpc.Version, ID: id, Result: raw})
}

func (w *worker) replyError(id string, code int, msg string) {
	w.write(rpc.Response{JSONRPC: rpc.Version, ID: id, Error: &rpc.Error{Code: code, Message: msg}})
}

func (w *worker) notify(method string, params any) {
	n, err := rpc.NewNotification(method, params)
	if err != nil {
		return
	}
	w.write(n)
}

func (w *worker) write(v any) {
	line, err := rpc.Encode(v)
	if err != nil {
		w.log.Error("encode failed", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hungUp {
		return
	}
	_, _ = w.out.Write(line)
	_ = w.out.Flush()
}
