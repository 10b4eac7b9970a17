// Package client is a Go client for the aiengined HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	itls "github.com/loykin/aiengine/internal/tls"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8790/api"

// Client talks to a running aiengined.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CAFile is a PEM bundle trusted for https URLs, e.g. the daemon's
	// generated tls_ca.crt.
	CAFile string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 30 * time.Second}
}

// New creates a client. It fails only when CAFile cannot be used.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport
	if config.CAFile != "" {
		tlsConfig, err := itls.ClientConfig(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		// event streams stay open, so only the context bounds them
		stream: &http.Client{Transport: transport},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Health returns the latest health verdict. An unhealthy engine is not an
// error; a daemon that has no verdict yet is.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, body, err := c.roundTrip(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return h, err
	}
	if resp.StatusCode == http.StatusOK || gjson.GetBytes(body, "healthy").Exists() {
		return h, json.Unmarshal(body, &h)
	}
	return h, apiError(resp.StatusCode, body)
}

// Start starts the engine and returns once it is ready.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Debug("Starting engine")
	return c.do(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop stops the engine. A positive wait bounds the shutdown grace period.
func (c *Client) Stop(ctx context.Context, wait time.Duration) error {
	path := "/stop"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	c.logger.Debug("Stopping engine", "wait", wait)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Call sends one request to the worker and returns its result. A zero
// timeout uses the daemon's configured request timeout.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	req, err := callRequest(method, params)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		req.Timeout = timeout.String()
	}
	var resp callResponse
	if err := c.do(ctx, http.MethodPost, "/rpc", req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Notify sends a notification to the worker.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := callRequest(method, params)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/notify", req, nil)
}

// Requests lists the requests the worker has not answered yet, oldest first.
func (c *Client) Requests(ctx context.Context) ([]Request, error) {
	var resp struct {
		Requests []Request `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, "/requests", nil, &resp)
	return resp.Requests, err
}

// Cancel abandons one in-flight request.
func (c *Client) Cancel(ctx context.Context, id string) error {
	c.logger.Debug("Canceling request", "id", id)
	return c.do(ctx, http.MethodDelete, "/requests/"+url.PathEscape(id), nil, nil)
}

// Events streams status events until ctx is cancelled or the daemon ends
// the stream. The channel is closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan StatusEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	out := make(chan StatusEvent, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		sc := bufio.NewScanner(resp.Body)
		event := ""
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event == "status":
				var ev StatusEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					c.logger.Debug("Skipping malformed event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case line == "":
				event = ""
			}
		}
	}()
	return out, nil
}

func callRequest(method string, params any) (CallRequest, error) {
	req := CallRequest{Method: method}
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		req.Params = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return req, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, data, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

func apiError(code int, body []byte) error {
	e := &APIError{StatusCode: code}
	if err := json.Unmarshal(body, e); err != nil || e.Message == "" {
		e.Message = http.StatusText(code)
	}
	return e
}
