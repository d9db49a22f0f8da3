// Package service contains application services exposed via transports.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/group0-lab/internal/consensus"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// ErrNotLeader is returned when a change is proposed to a non-leader node.
var ErrNotLeader = consensus.ErrNotLeader

// ErrConcurrentModification is returned when the proposed command was
// invalidated by another change committed after StartOperation.
var ErrConcurrentModification = errors.New("service: concurrent modification")

// ErrCommitTimeout is returned when a proposal is not applied before the
// request deadline.
var ErrCommitTimeout = errors.New("service: change not applied before deadline")

// ErrNoResult is returned when a broadcast query was committed but its result
// never reached this node.
var ErrNoResult = errors.New("service: broadcast result not delivered")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures proposer metric sinks.
type Metrics interface {
	ObserveGroup0ProposalDuration(nodeID, op string, d time.Duration, result string)
	IncGroup0ProposalRetry(nodeID, op string)
	IncGroup0JanitorRun(nodeID, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveGroup0ProposalDuration(string, string, time.Duration, string) {}
func (noopMetrics) IncGroup0ProposalRetry(string, string)                               {}
func (noopMetrics) IncGroup0JanitorRun(string, string)                                  {}

// Group0 proposes metadata changes through consensus and waits for the local
// state machine to apply them.
type Group0 struct {
	consensus consensus.Consensus
	machine   *group0.Machine
	ids       *stateid.Generator
	logger    Logger
	tracer    oteltrace.Tracer
	metrics   Metrics
	nodeID    string

	// Creator stamps every proposed command.
	Creator group0.Creator
	// HistoryRetention attaches history GC to every proposal when positive.
	HistoryRetention time.Duration
	// MaxRetries bounds how often a change is rebuilt after a concurrent
	// modification.
	MaxRetries int

	// operationMu serializes guarded operations issued by this node.
	operationMu sync.Mutex
}

// NewGroup0 creates a proposer for machine.
func NewGroup0(c consensus.Consensus, machine *group0.Machine, ids *stateid.Generator, logger Logger, tracer oteltrace.Tracer, metrics Metrics, nodeID string) *Group0 {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if ids == nil {
		ids = stateid.NewGenerator()
	}
	return &Group0{
		consensus:  c,
		machine:    machine,
		ids:        ids,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		nodeID:     nodeID,
		Creator:    group0.Creator{ID: nodeID},
		MaxRetries: 3,
	}
}

func (s *Group0) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// IsLeader reports whether the underlying consensus node is currently leader.
func (s *Group0) IsLeader() bool {
	return s.consensus.IsLeader()
}

// Leader returns the current leader's id and replication address.
func (s *Group0) Leader() (string, string) {
	return s.consensus.Leader()
}

// Operation is a guarded read of the current state. While it is held no
// command is applied locally and no other guarded operation of this node runs.
type Operation struct {
	PrevStateID stateid.ID
	NewStateID  stateid.ID

	readUnlock func()
	opUnlock   func()
}

func (op *Operation) releaseRead() {
	if op.readUnlock != nil {
		op.readUnlock()
		op.readUnlock = nil
	}
}

// Release ends the operation. It is safe to call more than once.
func (op *Operation) Release() {
	op.releaseRead()
	if op.opUnlock != nil {
		op.opUnlock()
		op.opUnlock = nil
	}
}

// StartOperation waits for the local machine to catch up with the leader's
// log, takes the read/apply guard and picks the ids of the next command.
func (s *Group0) StartOperation(ctx context.Context) (*Operation, error) {
	ctx, span := s.startSpan(ctx, "group0.service.StartOperation")
	defer span.End()

	if !s.consensus.IsLeader() {
		spanRecordError(span, ErrNotLeader)
		return nil, ErrNotLeader
	}

	s.operationMu.Lock()
	op := &Operation{opUnlock: s.operationMu.Unlock}
	if err := s.consensus.Barrier(ctx); err != nil {
		op.Release()
		err = s.mapProposeError(err)
		spanRecordError(span, err)
		return nil, err
	}
	op.readUnlock = s.machine.ReadApplyLock()
	op.PrevStateID = s.machine.CurrentStateID()
	op.NewStateID = s.ids.NextAfter(op.PrevStateID)
	span.SetAttributes(
		attribute.String("group0.prev_state_id", op.PrevStateID.String()),
		attribute.String("group0.new_state_id", op.NewStateID.String()),
	)
	return op, nil
}

// AddEntry proposes change as the command moving the state from
// op.PrevStateID to op.NewStateID. It returns ErrConcurrentModification when
// another change won the race and this command was skipped as stale.
func (s *Group0) AddEntry(ctx context.Context, op *Operation, change group0.Change, description string) error {
	ctx, span := s.startSpan(ctx, "group0.service.AddEntry",
		attribute.String("group0.change.kind", group0.ChangeKind(change)),
		attribute.String("group0.new_state_id", op.NewStateID.String()),
	)
	defer span.End()

	prev := op.PrevStateID
	raw, err := s.encode(change, &prev, op.NewStateID, description)
	if err != nil {
		spanRecordError(span, err)
		return err
	}

	// Apply needs the guard to run this very command.
	op.releaseRead()
	if err := s.propose(ctx, raw); err != nil {
		spanRecordError(span, err)
		return err
	}

	ok, err := s.machine.Contains(op.NewStateID)
	if err != nil {
		spanRecordError(span, err)
		return fmt.Errorf("service: read history: %w", err)
	}
	if !ok {
		spanRecordError(span, ErrConcurrentModification)
		return ErrConcurrentModification
	}
	s.logger.Debug("group0 change applied",
		"node_id", s.nodeID,
		"new_state_id", op.NewStateID.String(),
		"description", description,
	)
	return nil
}

func (s *Group0) encode(change group0.Change, prev *stateid.ID, next stateid.ID, description string) ([]byte, error) {
	var retention *time.Duration
	if s.HistoryRetention > 0 {
		retention = &s.HistoryRetention
	}
	h, err := group0.NewHistoryAppend(next, description, retention)
	if err != nil {
		return nil, err
	}
	return group0.Encode(group0.Command{
		Change:        change,
		HistoryAppend: h,
		PrevStateID:   prev,
		NewStateID:    next,
		Creator:       s.Creator,
	})
}

func (s *Group0) propose(ctx context.Context, raw []byte) error {
	if _, err := s.consensus.Propose(ctx, raw); err != nil {
		return s.mapProposeError(err)
	}
	return nil
}

func (s *Group0) mapProposeError(err error) error {
	switch {
	case errors.Is(err, consensus.ErrNotLeader):
		return ErrNotLeader
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCommitTimeout, err)
	}
	return err
}

// builder returns the change for a guarded operation, or nil when nothing
// needs to be proposed.
type builder func(op *Operation) (change group0.Change, description string, err error)

// mutate runs a guarded operation, rebuilding it after concurrent
// modifications up to MaxRetries times. It returns the applied state id, or
// the nil id when build decided there was nothing to do.
func (s *Group0) mutate(ctx context.Context, name string, build builder) (stateid.ID, error) {
	ctx, span := s.startSpan(ctx, "group0.service."+name)
	defer span.End()
	start := time.Now()

	for attempt := 0; ; attempt++ {
		op, err := s.StartOperation(ctx)
		if err != nil {
			s.observe(name, start, err)
			spanRecordError(span, err)
			return stateid.Nil, err
		}
		change, description, err := build(op)
		if err != nil || change == nil {
			op.Release()
			s.observe(name, start, err)
			spanRecordError(span, err)
			return stateid.Nil, err
		}
		err = s.AddEntry(ctx, op, change, description)
		op.Release()
		if errors.Is(err, ErrConcurrentModification) && attempt < s.MaxRetries {
			s.metrics.IncGroup0ProposalRetry(s.nodeID, name)
			s.logger.Debug("group0 change raced, retrying", "node_id", s.nodeID, "op", name, "attempt", attempt+1)
			continue
		}
		s.observe(name, start, err)
		if err != nil {
			spanRecordError(span, err)
			return stateid.Nil, err
		}
		span.SetAttributes(attribute.Int("group0.attempts", attempt+1))
		return op.NewStateID, nil
	}
}

func (s *Group0) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotLeader):
		result = "not_leader"
	case errors.Is(err, ErrConcurrentModification):
		result = "concurrent_modification"
	case errors.Is(err, ErrCommitTimeout):
		result = "commit_timeout"
	default:
		result = "error"
	}
	s.metrics.ObserveGroup0ProposalDuration(s.nodeID, op, time.Since(start), result)
}

// History returns up to limit history rows, newest first.
func (s *Group0) History(limit int) ([]group0.HistoryEntry, error) {
	return s.machine.History(limit)
}

// RunHistoryJanitor proposes an empty schema change carrying the history GC
// cutoff every interval while this node leads. It returns when ctx is done.
func (s *Group0) RunHistoryJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || s.HistoryRetention <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.consensus.IsLeader() {
			continue
		}
		if err := s.CollectHistory(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.metrics.IncGroup0JanitorRun(s.nodeID, "error")
			s.logger.Warn("history janitor run failed", "node_id", s.nodeID, "error", err)
			continue
		}
		s.metrics.IncGroup0JanitorRun(s.nodeID, "ok")
	}
}

// CollectHistory proposes one standalone history GC.
func (s *Group0) CollectHistory(ctx context.Context) error {
	_, err := s.mutate(ctx, "CollectHistory", func(*Operation) (group0.Change, string, error) {
		return group0.SchemaChange{}, "history gc", nil
	})
	return err
}
