package group0

import (
	"sync"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Results hands the output of applied broadcast queries to the proposer that
// waits for them. Waiters are keyed by the command's new state id.
type Results struct {
	mu      sync.Mutex
	waiters map[stateid.ID]chan []byte
}

func newResults() *Results {
	return &Results{waiters: make(map[stateid.ID]chan []byte)}
}

// Expect registers interest in the result of the command moving to id. The
// channel receives at most one value. Call Forget when done waiting.
func (r *Results) Expect(id stateid.ID) <-chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.waiters[id]
	if !ok {
		ch = make(chan []byte, 1)
		r.waiters[id] = ch
	}
	return ch
}

// Forget drops the waiter for id, if any.
func (r *Results) Forget(id stateid.ID) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *Results) publish(id stateid.ID, result []byte) {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}
