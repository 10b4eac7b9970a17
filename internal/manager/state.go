package manager

import (
	"fmt"
	"time"

	"github.com/loykin/aiengine/internal/pubsub"
)

// State is the supervisor's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Ready
	Restarting
	HealthCheckFailed
	ProcessCrashed
	Error
)

var stateNames = [...]string{
	Stopped:           "stopped",
	Starting:          "starting",
	Ready:             "ready",
	Restarting:        "restarting",
	HealthCheckFailed: "health_check_failed",
	ProcessCrashed:    "process_crashed",
	Error:             "error",
}

// StateNames lists every state in declaration order.
func StateNames() []string { return append([]string(nil), stateNames[:]...) }

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Active reports whether a spawn cycle owns the worker in this state.
func (s State) Active() bool {
	switch s {
	case Starting, Ready, Restarting, HealthCheckFailed:
		return true
	}
	return false
}

// Status is the externally visible engine status. Reason is set for Error.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason != "" {
		return s.State.String() + ": " + s.Reason
	}
	return s.State.String()
}

// StatusEvent is one entry of the status feed.
type StatusEvent struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStatus is the pubsub type of every StatusEvent.
const EventStatus pubsub.EventType = "status"
