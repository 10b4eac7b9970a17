package channel

import "sync"

// outbox is an unbounded FIFO of encoded lines feeding the writer goroutine.
// Pushing never blocks.
type outbox struct {
	mu     sync.Mutex
	q      [][]byte
	wake   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(line []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.q = append(o.q, line)
	o.mu.Unlock()
	o.signal()
	return true
}

// drain returns all queued lines and whether the outbox has been closed.
func (o *outbox) drain() ([][]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.q
	o.q = nil
	return batch, o.closed
}

// close rejects further pushes; queued lines are still drained.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
