package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/logger"
	"github.com/loykin/aiengine/internal/process"
	"github.com/loykin/aiengine/internal/rpc"
)

type fakeHandle struct {
	done       chan struct{}
	once       sync.Once
	killed     atomic.Bool
	terminated atomic.Bool
	exitOnTerm bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) TryWait() (process.Liveness, error) {
	select {
	case <-h.done:
		return process.Exited, nil
	default:
		return process.Running, nil
	}
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	if h.exitOnTerm {
		h.finish()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.finish()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) finish() { h.once.Do(func() { close(h.done) }) }

// worker is an in-memory peer speaking the line protocol.
type worker struct {
	in   *io.PipeReader // what the channel writes
	out  *io.PipeWriter // what the channel reads
	mu   sync.Mutex
	seen []rpc.Message
}

// reply decides the answer for a request; returning nil sends nothing.
type reply func(m rpc.Message) *rpc.Response

func startPair(t *testing.T, h *fakeHandle, answer reply, opts ...Option) (*Channel, *worker) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := &worker{in: inR, out: outW}
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	c := New(inW, outR, h, opts...)
	go func() {
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			f, err := rpc.Decode(sc.Bytes())
			if err != nil {
				continue
			}
			if f.Message == nil {
				continue
			}
			m := *f.Message
			w.mu.Lock()
			w.seen = append(w.seen, m)
			w.mu.Unlock()
			if m.Method == rpc.MethodShutdown && m.IsNotification() {
				_ = outW.Close()
				h.finish()
				return
			}
			if m.ID == nil || answer == nil {
				continue
			}
			if r := answer(m); r != nil {
				w.send(r)
			}
		}
	}()
	t.Cleanup(func() {
		c.Close()
		_ = outW.Close()
		_ = inR.Close()
	})
	return c, w
}

func (w *worker) send(v any) {
	line, _ := rpc.Encode(v)
	_, _ = w.out.Write(line)
}

func (w *worker) messages() []rpc.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]rpc.Message(nil), w.seen...)
}

// waitPending polls until n requests are in flight or two seconds pass.
func waitPending(c *Channel, n int) {
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		if c.Pending() == n {
			return
		}
	}
}

func echo(m rpc.Message) *rpc.Response {
	return &rpc.Response{JSONRPC: rpc.Version, ID: *m.ID, Result: m.Params}
}

func TestRequestResponseMatching(t *testing.T) {
	c, _ := startPair(t, newFakeHandle(), echo)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.SendRequest(context.Background(), "echo", map[string]int{"n": i}, 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var got map[string]int
			assert.NoError(t, json.Unmarshal(resp.Result, &got))
			assert.Equal(t, i, got["n"])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}

func TestRequestIDsAreUnique(t *testing.T) {
	c, w := startPair(t, newFakeHandle(), echo)
	for i := 0; i < 200; i++ {
		_, err := c.SendRequest(context.Background(), "echo", nil, 2*time.Second)
		require.NoError(t, err)
	}
	ids := map[string]bool{}
	for _, m := range w.messages() {
		require.NotNil(t, m.ID)
		assert.False(t, ids[*m.ID], "duplicate id %s", *m.ID)
		ids[*m.ID] = true
	}
	assert.Len(t, ids, 200)
}

func TestRPCErrorIsReturnedInResponse(t *testing.T) {
	c, _ := startPair(t, newFakeHandle(), func(m rpc.Message) *rpc.Response {
		return &rpc.Response{JSONRPC: rpc.Version, ID: *m.ID, Error: &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "Method not found"}}
	})
	resp, err := c.SendRequest(context.Background(), "nope", nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

func TestTimeoutRemovesPendingEntry(t *testing.T) {
	var late sync.WaitGroup
	late.Add(1)
	var c *Channel
	var w *worker
	c, w = startPair(t, newFakeHandle(), func(m rpc.Message) *rpc.Response {
		if m.Method != "slow" {
			return nil
		}
		id := *m.ID
		go func() {
			defer late.Done()
			time.Sleep(300 * time.Millisecond)
			w.send(rpc.Response{JSONRPC: rpc.Version, ID: id, Result: json.RawMessage(`"late"`)})
		}()
		return nil
	})

	start := time.Now()
	_, err := c.SendRequest(context.Background(), "slow", nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTimeout), "got %v", err)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	// the late reply is discarded as an orphan and the channel keeps working
	late.Wait()
	c2resp, err := c.SendRequest(context.Background(), "silent", nil, 50*time.Millisecond)
	assert.Nil(t, c2resp)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestContextCancellation(t *testing.T) {
	c, _ := startPair(t, newFakeHandle(), func(rpc.Message) *rpc.Response { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendRequest(ctx, "slow", nil, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestWorkerExitFailsAllPending(t *testing.T) {
	h := newFakeHandle()
	c, w := startPair(t, h, func(rpc.Message) *rpc.Response { return nil })

	const n = 10
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.SendRequest(context.Background(), "never", nil, 10*time.Second)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == n }, 2*time.Second, 5*time.Millisecond)

	// worker dies: stdout hits EOF
	h.finish()
	require.NoError(t, w.out.Close())

	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, errs.ErrCommunication), "got %v", err)
		case <-deadline:
			t.Fatalf("request %d still blocked after worker exit", i)
		}
	}
	assert.Equal(t, 0, c.Pending())
	assert.False(t, c.IsProcessRunning())

	_, err := c.SendRequest(context.Background(), "after", nil, time.Second)
	assert.True(t, errors.Is(err, errs.ErrCommunication))
	assert.True(t, errors.Is(c.SendNotification("after", nil), errs.ErrCommunication))
}

func TestNotificationsReachHandler(t *testing.T) {
	got := make(chan rpc.Message, 1)
	c, w := startPair(t, newFakeHandle(), echo, WithNotificationHandler(func(m rpc.Message) { got <- m }))
	_ = c

	n, _ := rpc.NewNotification("ai.status.update", map[string]string{"status": "ready"})
	w.send(n)
	select {
	case m := <-got:
		assert.Equal(t, "ai.status.update", m.Method)
		assert.JSONEq(t, `{"status":"ready"}`, string(m.Params))
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestGarbageAndWorkerRequestsAreHandled(t *testing.T) {
	c, w := startPair(t, newFakeHandle(), echo)

	_, _ = w.out.Write([]byte("not json at all\n\n"))
	req, _ := rpc.NewRequest("w-1", "host.callback", nil)
	w.send(req)

	// channel stays usable after the noise
	resp, err := c.SendRequest(context.Background(), "echo", "x", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(resp.Result))
}

func TestTerminateGraceful(t *testing.T) {
	h := newFakeHandle()
	c, w := startPair(t, h, echo)
	require.NoError(t, c.Terminate(time.Second))
	assert.False(t, h.killed.Load())

	msgs := w.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, rpc.MethodShutdown, msgs[len(msgs)-1].Method)

	select {
	case <-c.Done():
	default:
		t.Fatal("channel not torn down")
	}
	_, err := c.SendRequest(context.Background(), "echo", nil, time.Second)
	assert.True(t, errors.Is(err, errs.ErrCommunication))
}

func TestTerminateKillsUnresponsiveWorker(t *testing.T) {
	h := newFakeHandle()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer func() { _ = outW.Close() }()
	// drain stdin without honoring shutdown
	go func() { _, _ = io.Copy(io.Discard, inR) }()
	c := New(inW, outR, h, WithLogger(logger.Discard()))

	start := time.Now()
	require.NoError(t, c.Terminate(100*time.Millisecond))
	assert.True(t, h.terminated.Load())
	assert.True(t, h.killed.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestTerminateSendsSIGTERMBeforeKill(t *testing.T) {
	h := &fakeHandle{done: make(chan struct{}), exitOnTerm: true}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer func() { _ = outW.Close() }()
	go func() { _, _ = io.Copy(io.Discard, inR) }()
	c := New(inW, outR, h, WithLogger(logger.Discard()))

	require.NoError(t, c.Terminate(50*time.Millisecond))
	assert.True(t, h.terminated.Load())
	assert.False(t, h.killed.Load())
}

func TestOversizedLineIsSkipped(t *testing.T) {
	c, w := startPair(t, newFakeHandle(), nil, WithIDGenerator(func() string { return "fixed" }))

	go func() {
		waitPending(c, 1)
		big := bytes.Repeat([]byte("x"), MaxLineSize+10)
		_, _ = w.out.Write(append(big, '\n'))
		w.send(rpc.Response{JSONRPC: rpc.Version, ID: "fixed", Result: json.RawMessage(`"ok"`)})
	}()

	resp, err := c.SendRequest(context.Background(), "echo", nil, 10*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(resp.Result))
	assert.True(t, c.IsProcessRunning())
	select {
	case <-c.Done():
		t.Fatal("channel torn down by an oversized line")
	default:
	}
}

func TestMalformedResponseFailsOnlyItsCaller(t *testing.T) {
	c, w := startPair(t, newFakeHandle(), func(m rpc.Message) *rpc.Response {
		if m.Method == "broken" {
			return nil
		}
		return echo(m)
	})
	go func() {
		waitPending(c, 1)
		id := c.InFlight()[0].ID
		_, _ = w.out.Write([]byte(`{"jsonrpc":"2.0","id":"` + id + `"}` + "\n"))
	}()

	_, err := c.SendRequest(context.Background(), "broken", nil, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrMalformedResponse), "got %v", err)

	resp, err := c.SendRequest(context.Background(), "echo", "x", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(resp.Result))
}

func TestInFlightAndCancel(t *testing.T) {
	c, w := startPair(t, newFakeHandle(), func(rpc.Message) *rpc.Response { return nil })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "generate", nil, 10*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(c.InFlight()) == 1 }, 2*time.Second, 5*time.Millisecond)
	call := c.InFlight()[0]
	assert.Equal(t, "generate", call.Method)
	assert.False(t, call.StartedAt.IsZero())

	require.True(t, c.Cancel(call.ID))
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, errs.ErrCanceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled request still blocked")
	}
	assert.Empty(t, c.InFlight())
	assert.False(t, c.Cancel(call.ID))

	require.Eventually(t, func() bool {
		for _, m := range w.messages() {
			if m.Method == rpc.MethodCancel && m.IsNotification() {
				return string(m.Params) == `{"id":"`+call.ID+`"}`
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClosedChannelErrorIsNotDoubleWrapped(t *testing.T) {
	h := newFakeHandle()
	c, w := startPair(t, h, echo)
	h.finish()
	require.NoError(t, w.out.Close())
	<-c.Done()

	_, err := c.SendRequest(context.Background(), "echo", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCommunication))
	assert.Equal(t, 1, strings.Count(err.Error(), "communication"), err.Error())
}

func TestCustomIDGenerator(t *testing.T) {
	var n atomic.Int64
	c, w := startPair(t, newFakeHandle(), echo, WithIDGenerator(func() string {
		return fmt.Sprintf("req-%d", n.Add(1))
	}))
	_, err := c.SendRequest(context.Background(), "echo", nil, time.Second)
	require.NoError(t, err)
	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "req-1", *msgs[0].ID)
}
