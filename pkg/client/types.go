package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the reply of GET /status.
type Status struct {
	State           string  `json:"state"`
	Reason          string  `json:"reason,omitempty"`
	PID             int     `json:"pid,omitempty"`
	RestartAttempts int     `json:"restart_attempts"`
	Pending         int     `json:"pending"`
	Health          *Health `json:"health,omitempty"`
}

// Health is one health verdict of the engine.
type Health struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// StatusEvent is one entry of the daemon's status stream.
type StatusEvent struct {
	Status struct {
		State  string `json:"state"`
		Reason string `json:"reason,omitempty"`
	} `json:"status"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is one in-flight request of GET /requests.
type Request struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	StartedAt time.Time `json:"started_at"`
}

// CallRequest is the body of POST /rpc and POST /notify.
type CallRequest struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
}

// RPCError is a JSON-RPC error object returned by the worker.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError is a non-2xx reply from the daemon. RPC is set when the worker
// answered with a JSON-RPC error.
type APIError struct {
	StatusCode int       `json:"-"`
	Message    string    `json:"error"`
	Kind       string    `json:"kind,omitempty"`
	RPC        *RPCError `json:"rpc_error,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
