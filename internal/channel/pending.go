package channel

import (
	"sort"
	"sync"
	"time"

	"github.com/loykin/aiengine/internal/rpc"
)

type result struct {
	resp *rpc.Response
	err  error
}

// Call describes one request awaiting its response.
type Call struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	slot    chan result
	method  string
	started time.Time
}

// pendingTable maps request ids to single-use reply slots. Whoever removes
// an entry owns its delivery, so every slot receives at most one value.
type pendingTable struct {
	mu     sync.Mutex
	m      map[string]entry
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]entry)}
}

// register creates the reply slot for id. It fails once the table is closed
// or when id is already in flight.
func (t *pendingTable) register(id, method string) (chan result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	if _, dup := t.m[id]; dup {
		return nil, false
	}
	ch := make(chan result, 1)
	t.m[id] = entry{slot: ch, method: method, started: time.Now()}
	return ch, true
}

// take removes and returns the slot for id.
func (t *pendingTable) take(id string) (chan result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return e.slot, ok
}

// snapshot lists the entries, oldest first.
func (t *pendingTable) snapshot() []Call {
	t.mu.Lock()
	calls := make([]Call, 0, len(t.m))
	for id, e := range t.m {
		calls = append(calls, Call{ID: id, Method: e.method, StartedAt: e.started})
	}
	t.mu.Unlock()
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].StartedAt.Equal(calls[j].StartedAt) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].StartedAt.Before(calls[j].StartedAt)
	})
	return calls
}

// failAll closes the table and delivers err to every remaining slot.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	t.closed = true
	entries := t.m
	t.m = make(map[string]entry)
	t.mu.Unlock()
	for _, e := range entries {
		e.slot <- result{err: err}
	}
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
