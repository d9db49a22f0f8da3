// Package consensus defines the minimal interface between the group zero
// proposer and the replication layer that orders its commands.
package consensus

import (
	"context"
	"errors"
)

// ErrNotLeader is returned when a proposal or barrier reaches a follower.
var ErrNotLeader = errors.New("consensus: not leader")

// ErrStopped is returned by operations on a stopped node.
var ErrStopped = errors.New("consensus: stopped")

// Consensus is the interface implemented by the active consensus engine (Raft).
type Consensus interface {
	// Run blocks until ctx is done or the node stops.
	Run(ctx context.Context) error
	// Propose replicates cmd and returns once it has been applied to the local
	// state machine. The result is whatever the state machine returned for it.
	Propose(ctx context.Context, cmd []byte) (any, error)
	// Barrier returns once every entry committed before the call has been
	// applied locally. Only the leader can issue barriers.
	Barrier(ctx context.Context) error
	IsLeader() bool
	// Leader returns the current leader's id and replication address, empty
	// when unknown.
	Leader() (id string, addr string)
	Stop() error
}
