package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aiengine/internal/channel"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/health"
	mng "github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/pubsub"
	"github.com/loykin/aiengine/internal/rpc"
)

type call struct {
	method  string
	params  any
	timeout time.Duration
}

type fakeEngine struct {
	mu       sync.Mutex
	status   mng.Status
	pid      int
	health   *health.Result
	startErr error
	stopErr  error
	rpcErr   error
	result   json.RawMessage
	calls    []call
	notified []call
	stopCtx  context.Context
	inflight []channel.Call
	canceled []string
	feed     *pubsub.Broker[mng.StatusEvent]
}

func newFake() *fakeEngine {
	return &fakeEngine{
		status: mng.Status{State: mng.Ready},
		pid:    4242,
		result: json.RawMessage(`{"pong":true}`),
		feed:   pubsub.NewBroker[mng.StatusEvent](),
	}
}

func (f *fakeEngine) Start(context.Context) error { return f.startErr }

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCtx = ctx
	return f.stopErr
}

func (f *fakeEngine) Status() mng.Status   { return f.status }
func (f *fakeEngine) RestartAttempts() int { return 2 }
func (f *fakeEngine) PID() int             { return f.pid }
func (f *fakeEngine) Pending() int         { return 1 }

func (f *fakeEngine) InFlight() []channel.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Call(nil), f.inflight...)
}

func (f *fakeEngine) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.inflight {
		if c.ID == id {
			f.inflight = append(f.inflight[:i], f.inflight[i+1:]...)
			f.canceled = append(f.canceled, id)
			return nil
		}
	}
	return errs.Newf(errs.KindNotFound, "cancel", "no in-flight request %q", id)
}

func (f *fakeEngine) LastHealth() (health.Result, bool) {
	if f.health == nil {
		return health.Result{}, false
	}
	return *f.health, true
}

func (f *fakeEngine) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f.SendRequestTimeout(ctx, method, params, 0)
}

func (f *fakeEngine) SendRequestTimeout(_ context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, params: params, timeout: timeout})
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	return f.result, nil
}

func (f *fakeEngine) SendNotification(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, call{method: method, params: params})
	return f.rpcErr
}

func (f *fakeEngine) Subscribe(ctx context.Context) <-chan pubsub.Event[mng.StatusEvent] {
	return f.feed.Subscribe(ctx)
}

func setupRouter(t *testing.T, base string, f *fakeEngine) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(f, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsEngine(t *testing.T) {
	f := newFake()
	f.health = &health.Result{Healthy: true, ResponseTime: 3 * time.Millisecond}
	h := setupRouter(t, "/api", f)

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, mng.Ready, got.State)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, 2, got.RestartAttempts)
	assert.Equal(t, 1, got.Pending)
	require.NotNil(t, got.Health)
	assert.True(t, got.Health.Healthy)
	assert.Contains(t, rec.Body.String(), `"state":"ready"`)
}

func TestStatusCarriesErrorReason(t *testing.T) {
	f := newFake()
	f.status = mng.Status{State: mng.Error, Reason: "max restart attempts exceeded"}
	rec := doReq(t, setupRouter(t, "", f), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"max restart attempts exceeded"`)
	assert.NotContains(t, rec.Body.String(), `"health"`)
}

func TestHealthCodes(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "", f)

	rec := doReq(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.health = &health.Result{Healthy: true}
	rec = doReq(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health = &health.Result{Healthy: false, Error: health.MsgTimedOut}
	rec = doReq(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), health.MsgTimedOut)
}

func TestStartErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{nil, http.StatusOK, ""},
		{errs.ErrAlreadyRunning, http.StatusConflict, "already running"},
		{errs.Newf(errs.KindCanceled, "send request", "request 3 canceled"), http.StatusConflict, "canceled"},
		{errs.Newf(errs.KindNotFound, "cancel", "no in-flight request"), http.StatusNotFound, "not found"},
		{errs.Newf(errs.KindConfiguration, "start", "executable required"), http.StatusBadRequest, "configuration"},
		{errs.Newf(errs.KindStartupFailed, "wait ready", "worker not ready after 2s"), http.StatusBadGateway, "startup failed"},
	}
	for _, c := range cases {
		f := newFake()
		f.startErr = c.err
		rec := doReq(t, setupRouter(t, "", f), http.MethodPost, "/start", nil)
		assert.Equal(t, c.code, rec.Code, "err=%v", c.err)
		if c.kind != "" {
			assert.Contains(t, rec.Body.String(), `"kind":"`+c.kind+`"`)
		}
	}
}

func TestStopWaitBecomesDeadline(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "", f)

	rec := doReq(t, h, http.MethodPost, "/stop?wait=3s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := f.stopCtx.Deadline()
	assert.True(t, ok)

	rec = doReq(t, h, http.MethodPost, "/stop?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.stopErr = errs.Newf(errs.KindTimeout, "terminate", "worker did not exit")
	rec = doReq(t, h, http.MethodPost, "/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"warning"`)
}

func TestRPCForwardsMethodParamsAndTimeout(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "/api", f)

	rec := doReq(t, h, http.MethodPost, "/api/rpc", map[string]any{
		"method":  "echo",
		"params":  map[string]any{"text": "hi"},
		"timeout": "250ms",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got RPCResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `{"pong":true}`, string(got.Result))

	require.Len(t, f.calls, 1)
	assert.Equal(t, "echo", f.calls[0].method)
	assert.Equal(t, 250*time.Millisecond, f.calls[0].timeout)
	raw, ok := f.calls[0].params.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(raw))
}

func TestRPCWithoutParamsSendsNil(t *testing.T) {
	f := newFake()
	rec := doReq(t, setupRouter(t, "", f), http.MethodPost, "/rpc", map[string]any{"method": "status"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.calls, 1)
	assert.Nil(t, f.calls[0].params)
	assert.Zero(t, f.calls[0].timeout)
}

func TestRPCRejectsBadInput(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "", f)

	for _, body := range []map[string]any{
		{},
		{"method": ""},
		{"method": "rm -rf"},
		{"method": "ping", "timeout": "forever"},
		{"method": "ping", "timeout": "-1s"},
	} {
		rec := doReq(t, h, http.MethodPost, "/rpc", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body=%v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.calls)
}

func TestRPCErrorsMapToStatusCodes(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "", f)

	f.rpcErr = errs.New(errs.KindJSONRPC, "fail", &rpc.Error{Code: rpc.CodeInternalError, Message: "boom"})
	rec := doReq(t, h, http.MethodPost, "/rpc", map[string]any{"method": "fail"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.RPC)
	assert.Equal(t, rpc.CodeInternalError, body.RPC.Code)
	assert.Equal(t, "boom", body.RPC.Message)

	f.rpcErr = errs.Newf(errs.KindTimeout, "sleep", "no reply after 100ms")
	rec = doReq(t, h, http.MethodPost, "/rpc", map[string]any{"method": "sleep"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	f.rpcErr = errs.ErrNotReady
	rec = doReq(t, h, http.MethodPost, "/rpc", map[string]any{"method": "ping"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotifyIsAccepted(t *testing.T) {
	f := newFake()
	rec := doReq(t, setupRouter(t, "", f), http.MethodPost, "/notify",
		map[string]any{"method": "config.reload", "params": []int{1}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.notified, 1)
	assert.Equal(t, "config.reload", f.notified[0].method)
}

func TestEventsStreamsStatusFeed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFake()
	srv := httptest.NewServer(NewRouter(f, "/api").Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: connected", sc.Text())

	require.Eventually(t, func() bool { return f.feed.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.feed.Publish(mng.EventStatus, mng.StatusEvent{
		Status:    mng.Status{State: mng.Restarting},
		Message:   "restarting engine in 1s",
		Attempt:   1,
		Timestamp: time.Now(),
	})

	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: status") {
			lines = append(lines, line)
			require.True(t, sc.Scan())
			lines = append(lines, sc.Text())
			break
		}
	}
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
	var ev mng.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, mng.Restarting, ev.Status.State)
	assert.Equal(t, 1, ev.Attempt)
}

func TestEventsEndWhenFeedCloses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFake()
	srv := httptest.NewServer(NewRouter(f, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Eventually(t, func() bool { return f.feed.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.feed.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(resp.Body)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the feed closed")
	}
}

func TestMetricsMountedWhenRegistered(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	rec := doReq(t, setupRouter(t, "/api", newFake()), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aiengine_rpc_pending")
}

func TestNewServerStartClose(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "/api", newFake())
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.NoError(t, srv.Close())
}

func TestRequestsListAndCancel(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "/api", f)

	rec := doReq(t, h, http.MethodGet, "/api/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requests":[]}`, rec.Body.String())

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.inflight = []channel.Call{
		{ID: "a", Method: "generate", StartedAt: started},
		{ID: "b", Method: "embed", StartedAt: started.Add(time.Second)},
	}
	rec = doReq(t, h, http.MethodGet, "/api/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got RequestsResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Requests, 2)
	assert.Equal(t, "a", got.Requests[0].ID)
	assert.Equal(t, "generate", got.Requests[0].Method)
	assert.True(t, started.Equal(got.Requests[0].StartedAt))

	rec = doReq(t, h, http.MethodDelete, "/api/requests/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, f.canceled)

	rec = doReq(t, h, http.MethodDelete, "/api/requests/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"not found"`)
}
