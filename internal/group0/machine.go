// Package group0 implements the group zero state machine: it applies the
// replicated log of metadata change commands to the local store, detects
// commands invalidated by a concurrent change and records an auditable
// history of applied states.
package group0

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Machine is the group zero state machine. Apply and LoadSnapshot are
// serialized; snapshot capture and reads run concurrently with them.
type Machine struct {
	// NodeID labels logs, spans and metrics.
	NodeID string
	// SnapshotDir stages received snapshots on disk. Empty keeps them in memory.
	SnapshotDir string
	// Transport is used by TransferSnapshot.
	Transport SnapshotTransport
	// OnFatal, when set, is called once with the error that halted the machine.
	OnFatal func(error)

	engine    *storage.Engine
	schema    SchemaApplier
	broadcast BroadcastApplier
	logger    Logger
	tracer    oteltrace.Tracer
	metrics   Metrics

	applyMu     sync.Mutex
	readApplyMu sync.Mutex

	mu       sync.RWMutex
	current  stateid.ID
	status   Status
	fatalErr error

	abortCtx context.Context
	abortFn  context.CancelFunc

	results   *Results
	snapshots *snapshotRegistry
}

// New creates a state machine over engine and restores the tracker from the
// persisted state id.
func New(engine *storage.Engine, schema SchemaApplier, broadcast BroadcastApplier, logger Logger, tracer oteltrace.Tracer, metrics Metrics) (*Machine, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if schema == nil || broadcast == nil {
		return nil, fmt.Errorf("group0: both appliers are required")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	current, err := loadStateID(engine)
	if err != nil {
		return nil, fmt.Errorf("group0: load state id: %w", err)
	}

	abortCtx, abortFn := context.WithCancel(context.Background())
	return &Machine{
		engine:    engine,
		schema:    schema,
		broadcast: broadcast,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		current:   current,
		status:    StatusHealthy,
		abortCtx:  abortCtx,
		abortFn:   abortFn,
		results:   newResults(),
		snapshots: newSnapshotRegistry(),
	}, nil
}

// Apply applies a batch of log entries in order and returns one outcome per
// entry that was processed. On error, the returned outcomes cover the entries
// committed before the failure.
func (m *Machine) Apply(ctx context.Context, entries [][]byte) ([]Outcome, error) {
	if err := m.checkRunnable(); err != nil {
		return nil, err
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	m.readApplyMu.Lock()
	defer m.readApplyMu.Unlock()

	ctx, span := m.startSpan(ctx, "group0.Apply", attribute.Int("group0.batch.entries", len(entries)))
	defer span.End()
	start := time.Now()

	outcomes := make([]Outcome, 0, len(entries))
	for _, raw := range entries {
		if err := m.interrupted(ctx); err != nil {
			spanRecordError(span, err)
			return outcomes, err
		}
		out, err := m.applyOne(ctx, raw)
		if err != nil {
			spanRecordError(span, err)
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}

	m.metrics.ObserveGroup0ApplyBatchDuration(m.NodeID, time.Since(start), len(entries))
	return outcomes, nil
}

func (m *Machine) applyOne(ctx context.Context, raw []byte) (Outcome, error) {
	cmd, err := Decode(raw)
	if err != nil {
		m.metrics.IncGroup0Command(m.NodeID, "unknown", "decode_error")
		return 0, m.halt(&FatalError{Op: "decode", Err: err})
	}
	kind := ChangeKind(cmd.Change)

	ctx, span := m.startSpan(ctx, "group0.applyCommand",
		attribute.String("group0.change.kind", kind),
		attribute.String("group0.new_state_id", cmd.NewStateID.String()),
	)
	defer span.End()

	current := m.CurrentStateID()
	if cmd.PrevStateID != nil && *cmd.PrevStateID != current {
		m.logger.Debug("stale command skipped",
			"node_id", m.NodeID,
			"kind", kind,
			"prev_state_id", cmd.PrevStateID.String(),
			"current_state_id", current.String(),
			"new_state_id", cmd.NewStateID.String(),
			"creator_id", cmd.Creator.ID,
		)
		span.SetAttributes(attribute.String("group0.outcome", OutcomeStale.String()))
		m.metrics.IncGroup0Command(m.NodeID, kind, OutcomeStale.String())
		return OutcomeStale, nil
	}

	applied, err := historyContains(m.engine, cmd.NewStateID)
	if err != nil {
		spanRecordError(span, err)
		return 0, m.halt(&FatalError{Op: "read history", StateID: cmd.NewStateID, Err: err})
	}
	if applied {
		m.logger.Debug("command already applied, skipping",
			"node_id", m.NodeID,
			"kind", kind,
			"new_state_id", cmd.NewStateID.String(),
		)
		span.SetAttributes(attribute.String("group0.outcome", OutcomeDuplicate.String()))
		m.metrics.IncGroup0Command(m.NodeID, kind, OutcomeDuplicate.String())
		return OutcomeDuplicate, nil
	}

	b := m.engine.NewBatch()
	defer b.Close()

	v := &applyVisitor{
		ctx:       ctx,
		rw:        b,
		schema:    m.schema,
		broadcast: m.broadcast,
		stateID:   cmd.NewStateID,
	}
	if err := cmd.Change.accept(v); err != nil {
		spanRecordError(span, err)
		if ierr := m.interrupted(ctx); ierr != nil {
			return 0, ierr
		}
		m.metrics.IncGroup0Command(m.NodeID, kind, "applier_error")
		return 0, m.halt(&FatalError{
			Op:      "apply " + kind,
			StateID: cmd.NewStateID,
			Err:     fmt.Errorf("%w: %w", ErrApplierFailed, err),
		})
	}
	if err := stageHistoryAppend(b, cmd.HistoryAppend); err != nil {
		spanRecordError(span, err)
		return 0, m.halt(&FatalError{Op: "stage history", StateID: cmd.NewStateID, Err: err})
	}
	if err := stageStateID(b, cmd.NewStateID); err != nil {
		spanRecordError(span, err)
		return 0, m.halt(&FatalError{Op: "stage state id", StateID: cmd.NewStateID, Err: err})
	}
	if err := m.interrupted(ctx); err != nil {
		return 0, err
	}
	if err := m.engine.Commit(b); err != nil {
		spanRecordError(span, err)
		m.metrics.IncGroup0Command(m.NodeID, kind, "commit_error")
		return 0, m.halt(&FatalError{Op: "commit", StateID: cmd.NewStateID, Err: err})
	}

	m.mu.Lock()
	m.current = cmd.NewStateID
	m.mu.Unlock()

	if v.hasResult {
		m.results.publish(cmd.NewStateID, v.result)
	}

	m.logger.Debug("command applied",
		"node_id", m.NodeID,
		"kind", kind,
		"new_state_id", cmd.NewStateID.String(),
		"gc", !cmd.HistoryAppend.GCBefore.IsNil(),
	)
	span.SetAttributes(attribute.String("group0.outcome", OutcomeApplied.String()))
	m.metrics.IncGroup0Command(m.NodeID, kind, OutcomeApplied.String())
	return OutcomeApplied, nil
}

// ReadApplyLock blocks Apply until the returned function is called. Proposers
// hold it while reading the current state id and the catalog to build a command.
func (m *Machine) ReadApplyLock() (unlock func()) {
	m.readApplyMu.Lock()
	return m.readApplyMu.Unlock
}

// CurrentStateID returns the tracker value.
func (m *Machine) CurrentStateID() stateid.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastStateID returns the newest state id recorded in the history log.
func (m *Machine) LastStateID() (stateid.ID, error) {
	return historyLast(m.engine)
}

// Contains reports whether id is recorded in the history log.
func (m *Machine) Contains(id stateid.ID) (bool, error) {
	return historyContains(m.engine, id)
}

// History returns up to limit history rows, newest first.
func (m *Machine) History(limit int) ([]HistoryEntry, error) {
	return historyEntries(m.engine, limit)
}

// Results exposes the broadcast result registry.
func (m *Machine) Results() *Results { return m.results }

// Status reports runtime health.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Err returns the error that halted the machine, if any.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fatalErr
}

// Abort signals in-flight and future apply and snapshot operations to stop at
// their next safe point. A commit already submitted to storage completes.
func (m *Machine) Abort() {
	m.abortFn()

	m.mu.Lock()
	if m.status == StatusHealthy {
		m.status = StatusAborted
	}
	m.mu.Unlock()
	m.logger.Info("group0 state machine aborted", "node_id", m.NodeID)
}

func (m *Machine) checkRunnable() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.status {
	case StatusHalted:
		return fmt.Errorf("%w: %w", ErrHalted, m.fatalErr)
	case StatusAborted:
		return ErrAborted
	}
	return nil
}

// interrupted returns ErrAborted after Abort, ctx.Err() when ctx is done.
func (m *Machine) interrupted(ctx context.Context) error {
	if m.abortCtx.Err() != nil {
		return ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (m *Machine) halt(fe *FatalError) error {
	m.mu.Lock()
	first := m.fatalErr == nil
	if first {
		m.fatalErr = fe
		m.status = StatusHalted
	}
	m.mu.Unlock()
	if !first {
		return fe
	}

	m.logger.Error("group0 state machine halted",
		"node_id", m.NodeID,
		"op", fe.Op,
		"state_id", fe.StateID.String(),
		"error", fe.Err,
	)
	m.metrics.SetGroup0Halted(m.NodeID, true)
	if m.OnFatal != nil {
		m.OnFatal(fe)
	}
	return fe
}

// isInterruption reports whether err came from Abort or context cancellation.
func isInterruption(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
