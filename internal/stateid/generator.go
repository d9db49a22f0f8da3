package stateid

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces strictly increasing IDs for one proposer.
type Generator struct {
	mu        sync.Mutex
	node      [6]byte
	clockSeq  uint16
	lastTicks uint64
	now       func() time.Time
}

// NewGenerator returns a Generator stamping IDs with this host's node id and
// a random clock sequence.
func NewGenerator() *Generator {
	var node [6]byte
	copy(node[:], uuid.NodeID())
	return &Generator{
		node:     node,
		clockSeq: uint16(uuid.ClockSequence()),
		now:      time.Now,
	}
}

// NewGeneratorWithClock is like NewGenerator but uses a fixed node id and
// the provided clock. Intended for tests and deterministic replays.
func NewGeneratorWithClock(node [6]byte, clockSeq uint16, now func() time.Time) *Generator {
	return &Generator{node: node, clockSeq: clockSeq, now: now}
}

// Next returns an ID whose timestamp is the current time, bumped by one tick
// when the clock has not advanced since the previous call.
func (g *Generator) Next() ID {
	return g.NextAfter(Nil)
}

// NextAfter returns an ID that sorts after both prev and every ID this
// generator produced before.
func (g *Generator) NextAfter(prev ID) ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticks := timeToTicks(g.now())
	if ticks <= g.lastTicks {
		ticks = g.lastTicks + 1
	}
	if !prev.IsNil() && ticks <= prev.ticks() {
		ticks = prev.ticks() + 1
	}
	g.lastTicks = ticks
	return fromTicks(ticks, g.clockSeq, g.node)
}
