package hraft

import (
	"context"
	"io"

	"github.com/hashicorp/raft"

	"github.com/i-melnichenko/group0-lab/internal/group0"
)

// FSM feeds committed raft entries to the group zero state machine and maps
// raft snapshots onto its snapshot manager.
type FSM struct {
	machine *group0.Machine
	logger  Logger
}

var _ raft.BatchingFSM = (*FSM)(nil)

// NewFSM wraps machine.
func NewFSM(machine *group0.Machine, logger Logger) *FSM {
	return &FSM{machine: machine, logger: logger}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	return f.ApplyBatch([]*raft.Log{l})[0]
}

// ApplyBatch implements raft.BatchingFSM. Command entries are applied as one
// batch; every response is a group0.Outcome or the error that stopped the
// batch.
func (f *FSM) ApplyBatch(logs []*raft.Log) []interface{} {
	out := make([]interface{}, len(logs))
	entries := make([][]byte, 0, len(logs))
	positions := make([]int, 0, len(logs))
	for i, l := range logs {
		if l.Type != raft.LogCommand {
			continue
		}
		entries = append(entries, l.Data)
		positions = append(positions, i)
	}
	if len(entries) == 0 {
		return out
	}

	outcomes, err := f.machine.Apply(context.Background(), entries)
	for j, i := range positions {
		if j < len(outcomes) {
			out[i] = outcomes[j]
		} else {
			out[i] = err
		}
	}
	if err != nil {
		f.logger.Error("raft batch not fully applied",
			"first_index", logs[0].Index,
			"applied", len(outcomes),
			"entries", len(entries),
			"error", err,
		)
	}
	return out
}

// Snapshot implements raft.FSM. Capturing is cheap; the stream is produced
// later by Persist without blocking apply.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	desc, err := f.machine.TakeSnapshot(context.Background())
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{machine: f.machine, desc: desc}, nil
}

// Restore implements raft.FSM: the stream replaces the whole replicated state.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	ctx := context.Background()
	desc, err := f.machine.ReceiveSnapshot(ctx, rc)
	if err != nil {
		return err
	}
	defer f.machine.DropSnapshot(desc.ID)

	if err := f.machine.LoadSnapshot(ctx, desc.ID); err != nil {
		return err
	}
	f.logger.Info("state restored from raft snapshot",
		"snapshot_id", string(desc.ID),
		"state_id", desc.StateID.String(),
	)
	return nil
}

type fsmSnapshot struct {
	machine *group0.Machine
	desc    group0.SnapshotDescriptor
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := s.machine.MaterializeSnapshot(context.Background(), s.desc.ID, sink); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
	s.machine.DropSnapshot(s.desc.ID)
}
