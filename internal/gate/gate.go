// Package gate provides the strict-FIFO mutex that serializes every
// store-mutating operation in the engine: integrator calls, live event
// handlers and synchronization passes all enter through one gate.
package gate

import "sync"

// Gate admits one operation at a time in strict FIFO order. Operations
// may block internally (network calls); the gate holds its single slot
// for the whole duration. There is no timeout and no cancellation, and
// re-entrant acquisition from inside an operation deadlocks.
type Gate struct {
	mu   sync.Mutex
	tail chan struct{} // closed when the most recently admitted op releases
}

// New creates an idle gate.
func New() *Gate {
	return &Gate{}
}

// Run queues op and executes it once every previously queued operation
// has finished. The slot is released on return, on error and on panic,
// so a failing op never starves the queue. Returns op's error.
func (g *Gate) Run(op func() error) error {
	g.mu.Lock()
	prev := g.tail
	cur := make(chan struct{})
	g.tail = cur
	g.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer close(cur)

	return op()
}
