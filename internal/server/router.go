package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/aiengine/internal/channel"
	"github.com/loykin/aiengine/internal/errs"
	"github.com/loykin/aiengine/internal/health"
	mng "github.com/loykin/aiengine/internal/manager"
	"github.com/loykin/aiengine/internal/metrics"
	"github.com/loykin/aiengine/internal/pubsub"
	"github.com/loykin/aiengine/internal/rpc"
)

// Engine is the part of the supervisor the HTTP surface drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() mng.Status
	RestartAttempts() int
	PID() int
	Pending() int
	InFlight() []channel.Call
	Cancel(id string) error
	LastHealth() (health.Result, bool)
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendRequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	SendNotification(method string, params any) error
	Subscribe(ctx context.Context) <-chan pubsub.Event[mng.StatusEvent]
}

var _ Engine = (*mng.Supervisor)(nil)

// Router provides embeddable HTTP handlers for one supervised engine.
// Endpoints:
//
//	GET  {basePath}/status   state, pid, restart attempts, pending requests
//	GET  {basePath}/health   latest health verdict (503 when unhealthy)
//	POST {basePath}/start    spawn and wait for ready
//	POST {basePath}/stop     query: wait=5s (optional)
//	POST {basePath}/rpc      body: {"method","params","timeout"}
//	POST {basePath}/notify   body: {"method","params"}
//	GET  {basePath}/requests in-flight requests, oldest first
//	DELETE {basePath}/requests/:id  cancel one in-flight request
//	GET  {basePath}/events   server-sent status events
//	GET  /metrics            prometheus, when metrics are registered
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng       Engine
	basePath  string
	heartbeat time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(eng Engine, basePath string) *Router {
	return &Router{eng: eng, basePath: sanitizeBase(basePath), heartbeat: 30 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if metrics.Registered() {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/rpc", r.handleRPC)
	group.POST("/notify", r.handleNotify)
	group.GET("/requests", r.handleRequests)
	group.DELETE("/requests/:id", r.handleCancel)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, eng Engine) (*http.Server, error) {
	r := NewRouter(eng, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string     `json:"error"`
	Kind  string     `json:"kind,omitempty"`
	RPC   *rpc.Error `json:"rpc_error,omitempty"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// StatusResp is the body of GET /status.
type StatusResp struct {
	State           mng.State      `json:"state"`
	Reason          string         `json:"reason,omitempty"`
	PID             int            `json:"pid,omitempty"`
	RestartAttempts int            `json:"restart_attempts"`
	Pending         int            `json:"pending"`
	Health          *health.Result `json:"health,omitempty"`
}

// RPCReq is the body of POST /rpc and POST /notify. Timeout is a Go
// duration string and only applies to /rpc.
type RPCReq struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// RPCResp is the body of a successful POST /rpc.
type RPCResp struct {
	Result json.RawMessage `json:"result"`
}

// RequestsResp is the body of GET /requests.
type RequestsResp struct {
	Requests []channel.Call `json:"requests"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.eng.Status()
	resp := StatusResp{
		State:           st.State,
		Reason:          st.Reason,
		PID:             r.eng.PID(),
		RestartAttempts: r.eng.RestartAttempts(),
		Pending:         r.eng.Pending(),
	}
	if h, ok := r.eng.LastHealth(); ok {
		resp.Health = &h
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	h, ok := r.eng.LastHealth()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no health check yet"})
		return
	}
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, h)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.eng.Start(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	ctx := c.Request.Context()
	if waitStr := c.Query("wait"); waitStr != "" {
		d, err := time.ParseDuration(waitStr)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + waitStr})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := r.eng.Stop(ctx); err != nil {
		// the worker is gone either way
		writeJSON(c, http.StatusOK, okResp{OK: true, Warning: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRPC(c *gin.Context) {
	req, ok := bindRPC(c)
	if !ok {
		return
	}
	var (
		res json.RawMessage
		err error
	)
	if req.Timeout != "" {
		d, perr := time.ParseDuration(req.Timeout)
		if perr != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + req.Timeout})
			return
		}
		res, err = r.eng.SendRequestTimeout(c.Request.Context(), req.Method, params(req.Params), d)
	} else {
		res, err = r.eng.SendRequest(c.Request.Context(), req.Method, params(req.Params))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, RPCResp{Result: res})
}

func (r *Router) handleNotify(c *gin.Context) {
	req, ok := bindRPC(c)
	if !ok {
		return
	}
	if err := r.eng.SendNotification(req.Method, params(req.Params)); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleRequests(c *gin.Context) {
	calls := r.eng.InFlight()
	if calls == nil {
		calls = []channel.Call{}
	}
	writeJSON(c, http.StatusOK, RequestsResp{Requests: calls})
}

func (r *Router) handleCancel(c *gin.Context) {
	if err := r.eng.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	events := r.eng.Subscribe(ctx)

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	w.Flush()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			w.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			w.Flush()
		}
	}
}

func bindRPC(c *gin.Context) (RPCReq, bool) {
	var req RPCReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return req, false
	}
	if !isSafeMethod(req.Method) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid method: allowed [A-Za-z0-9._-/], at most 128 bytes"})
		return req, false
	}
	return req, true
}

// params keeps an absent params member absent on the wire.
func params(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// writeError maps supervisor errors onto status codes.
func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error()}
	kind := errs.KindOf(err)
	if kind != errs.KindUnknown {
		resp.Kind = kind.String()
	}
	code := http.StatusInternalServerError
	switch kind {
	case errs.KindNotReady:
		code = http.StatusServiceUnavailable
	case errs.KindAlreadyRunning, errs.KindCanceled:
		code = http.StatusConflict
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindConfiguration:
		code = http.StatusBadRequest
	case errs.KindTimeout:
		code = http.StatusGatewayTimeout
	case errs.KindJSONRPC, errs.KindCommunication, errs.KindStartupFailed, errs.KindProcessSpawn:
		code = http.StatusBadGateway
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		resp.RPC = rpcErr
	}
	writeJSON(c, code, resp)
}
