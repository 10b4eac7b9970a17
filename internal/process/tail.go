package process

import (
	"strings"
	"sync"
)

// Tail is a bounded ring of the most recent output lines of a worker.
type Tail struct {
	lines    []string
	capacity int
	start    int
	count    int
	mu       sync.RWMutex
}

// NewTail creates a Tail holding at most capacity lines (minimum 1).
func NewTail(capacity int) *Tail {
	if capacity < 1 {
		capacity = 1
	}
	return &Tail{lines: make([]string, capacity), capacity: capacity}
}

// Write appends a line, overwriting the oldest when full.
func (b *Tail) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.capacity
}

// LastN returns up to n most recent lines, oldest first.
func (b *Tail) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	skip := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+skip+i)%b.capacity]
	}
	return out
}

// Lines returns every stored line, oldest first.
func (b *Tail) Lines() []string { return b.LastN(b.capacity) }

// String joins the stored lines with newlines.
func (b *Tail) String() string { return strings.Join(b.Lines(), "\n") }
