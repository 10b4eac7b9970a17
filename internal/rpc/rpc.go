// Package rpc implements the line-delimited JSON-RPC 2.0 framing spoken
// between the supervisor and the worker process.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Version is the only protocol version emitted and accepted.
const Version = "2.0"

// Reserved method names understood by every worker.
const (
	MethodStatus   = "status"
	MethodPing     = "ping"
	MethodShutdown = "shutdown"
	// MethodCancel is sent as a notification with {"id": ...} when a
	// caller abandons an in-flight request.
	MethodCancel = "cancel"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrEmptyLine is returned by Decode for blank lines; callers skip them.
	ErrEmptyLine = errors.New("rpc: empty line")
	// ErrNotJSON is returned when a line is not a JSON object.
	ErrNotJSON = errors.New("rpc: line is not a JSON object")
	// ErrMalformedResponse is returned for a response carrying both or
	// neither of result and error. The frame still holds the response id.
	ErrMalformedResponse = errors.New("rpc: response must carry exactly one of result and error")
)

// Message is a request (ID set) or a notification (ID nil).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *string         `json:"id,omitempty"`
}

// IsNotification reports whether the message expects no reply.
func (m Message) IsNotification() bool { return m.ID == nil }

// Response answers a request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error is the error object carried by a failed Response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("json-rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with the given id. A nil params omits the field.
func NewRequest(id, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw, ID: &id}, nil
}

// NewNotification builds a message without an id.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

// Encode serializes v as exactly one newline-terminated JSON line.
// encoding/json escapes control characters, so the payload itself never
// contains a raw newline.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return append(b, '\n'), nil
}

// Frame is one decoded inbound line: either Response or Message is non-nil.
type Frame struct {
	Response *Response
	Message  *Message
}

// Decode parses one line. A frame carrying a non-null id and no method is a
// response; everything else is treated as a message from the worker.
func Decode(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{}, ErrEmptyLine
	}
	if !gjson.ValidBytes(line) {
		return Frame{}, fmt.Errorf("decode: invalid json: %q", truncate(line, 128))
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Frame{}, ErrNotJSON
	}
	id := root.Get("id")
	method := root.Get("method")
	if id.Exists() && id.Type != gjson.Null && !method.Exists() {
		res, e := root.Get("result"), root.Get("error")
		if res.Exists() == (e.Exists() && e.Type != gjson.Null) {
			r := Response{JSONRPC: root.Get("jsonrpc").String(), ID: id.String()}
			return Frame{Response: &r}, fmt.Errorf("decode response %s: %w", r.ID, ErrMalformedResponse)
		}
		var r Response
		if err := json.Unmarshal(line, &r); err != nil {
			// Numeric ids are not ours but still decode as responses.
			r = Response{
				JSONRPC: root.Get("jsonrpc").String(),
				ID:      id.String(),
			}
			if res := root.Get("result"); res.Exists() {
				r.Result = json.RawMessage(res.Raw)
			}
			if e := root.Get("error"); e.Exists() {
				if err := json.Unmarshal([]byte(e.Raw), &r.Error); err != nil {
					return Frame{}, fmt.Errorf("decode response error field: %w", err)
				}
			}
		}
		return Frame{Response: &r}, nil
	}
	if !method.Exists() || method.Type != gjson.String {
		return Frame{}, fmt.Errorf("decode: frame has neither method nor id")
	}
	m := Message{
		JSONRPC: root.Get("jsonrpc").String(),
		Method:  method.String(),
	}
	if p := root.Get("params"); p.Exists() {
		m.Params = json.RawMessage(p.Raw)
	}
	if id.Exists() && id.Type != gjson.Null {
		s := id.String()
		m.ID = &s
	}
	return Frame{Message: &m}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
