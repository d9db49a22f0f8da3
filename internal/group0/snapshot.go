package group0

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// SnapshotID names a captured or received snapshot on this node.
type SnapshotID string

// SnapshotDescriptor identifies a snapshot and the state it captures.
type SnapshotDescriptor struct {
	ID      SnapshotID
	StateID stateid.ID
	TakenAt time.Time
}

// snapshotEntry is either a local point-in-time view or a received stream
// staged on disk or in memory.
type snapshotEntry struct {
	desc SnapshotDescriptor
	view *storage.View
	path string
	data []byte

	refs    int
	dropped bool
}

func (e *snapshotEntry) release() {
	if e.view != nil {
		_ = e.view.Close()
	}
	if e.path != "" {
		_ = os.Remove(e.path)
	}
	e.data = nil
}

type snapshotRegistry struct {
	mu      sync.Mutex
	entries map[SnapshotID]*snapshotEntry
	// staging holds ids of received snapshots between validation and publish.
	staging map[SnapshotID]struct{}
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{
		entries: make(map[SnapshotID]*snapshotEntry),
		staging: make(map[SnapshotID]struct{}),
	}
}

func (r *snapshotRegistry) add(e *snapshotEntry) {
	r.mu.Lock()
	r.entries[e.desc.ID] = e
	r.mu.Unlock()
}

// reserve claims id for an incoming snapshot. An id stays taken while its
// entry is registered, staged, or dropped but still pinned by a reader.
func (r *snapshotRegistry) reserve(id SnapshotID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}
	if _, ok := r.staging[id]; ok {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}
	r.staging[id] = struct{}{}
	return nil
}

func (r *snapshotRegistry) unreserve(id SnapshotID) {
	r.mu.Lock()
	delete(r.staging, id)
	r.mu.Unlock()
}

// publish registers a reserved entry.
func (r *snapshotRegistry) publish(e *snapshotEntry) {
	r.mu.Lock()
	delete(r.staging, e.desc.ID)
	r.entries[e.desc.ID] = e
	r.mu.Unlock()
}

// acquire pins the entry so a concurrent drop does not release it mid-read.
func (r *snapshotRegistry) acquire(id SnapshotID) (*snapshotEntry, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.dropped {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSnapshot, id)
	}
	e.refs++
	return e, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.refs--
		if e.dropped && e.refs == 0 {
			r.remove(e)
		}
	}, nil
}

func (r *snapshotRegistry) drop(id SnapshotID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.dropped {
		return false
	}
	e.dropped = true
	if e.refs == 0 {
		r.remove(e)
	}
	return true
}

// remove releases e and frees its id. Callers hold r.mu.
func (r *snapshotRegistry) remove(e *snapshotEntry) {
	if r.entries[e.desc.ID] == e {
		delete(r.entries, e.desc.ID)
	}
	e.release()
}

func (r *snapshotRegistry) list() []SnapshotDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SnapshotDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.dropped {
			out = append(out, e.desc)
		}
	}
	return out
}

// TakeSnapshot captures the current replicated state. Capture is a storage
// read view: it observes each command entirely or not at all and never blocks Apply.
func (m *Machine) TakeSnapshot(ctx context.Context) (SnapshotDescriptor, error) {
	_, span := m.startSpan(ctx, "group0.TakeSnapshot")
	defer span.End()

	if err := m.interrupted(ctx); err != nil {
		spanRecordError(span, err)
		return SnapshotDescriptor{}, err
	}

	view := m.engine.NewView()
	id, err := loadStateID(view)
	if err != nil {
		_ = view.Close()
		spanRecordError(span, err)
		m.metrics.IncGroup0Snapshot(m.NodeID, "take", "error")
		return SnapshotDescriptor{}, fmt.Errorf("group0: read state id for snapshot: %w", err)
	}

	desc := SnapshotDescriptor{
		ID:      SnapshotID(uuid.NewString()),
		StateID: id,
		TakenAt: time.Now().UTC(),
	}
	m.snapshots.add(&snapshotEntry{desc: desc, view: view})

	span.SetAttributes(
		attribute.String("group0.snapshot.id", string(desc.ID)),
		attribute.String("group0.state_id", id.String()),
	)
	m.metrics.IncGroup0Snapshot(m.NodeID, "take", "ok")
	m.logger.Debug("snapshot taken",
		"node_id", m.NodeID,
		"snapshot_id", desc.ID,
		"state_id", id.String(),
	)
	return desc, nil
}

// DropSnapshot releases a snapshot. Unknown ids are ignored.
func (m *Machine) DropSnapshot(id SnapshotID) {
	if m.snapshots.drop(id) {
		m.metrics.IncGroup0Snapshot(m.NodeID, "drop", "ok")
		m.logger.Debug("snapshot dropped", "node_id", m.NodeID, "snapshot_id", id)
	}
}

// Snapshots lists the snapshots currently registered on this node.
func (m *Machine) Snapshots() []SnapshotDescriptor {
	return m.snapshots.list()
}

// MaterializeSnapshot writes the transferable form of snapshot id to w and
// returns the number of bytes written.
func (m *Machine) MaterializeSnapshot(ctx context.Context, id SnapshotID, w io.Writer) (int64, error) {
	ctx, span := m.startSpan(ctx, "group0.MaterializeSnapshot", attribute.String("group0.snapshot.id", string(id)))
	defer span.End()

	e, release, err := m.snapshots.acquire(id)
	if err != nil {
		spanRecordError(span, err)
		return 0, err
	}
	defer release()

	n, err := m.materialize(ctx, e, w)
	if err != nil {
		spanRecordError(span, err)
		m.metrics.IncGroup0Snapshot(m.NodeID, "materialize", "error")
		return n, err
	}
	span.SetAttributes(attribute.Int64("group0.snapshot.bytes", n))
	m.metrics.ObserveGroup0SnapshotBytes(m.NodeID, "materialize", n)
	m.metrics.IncGroup0Snapshot(m.NodeID, "materialize", "ok")
	return n, nil
}

func (m *Machine) materialize(ctx context.Context, e *snapshotEntry, w io.Writer) (int64, error) {
	if e.view == nil {
		src, err := e.open()
		if err != nil {
			return 0, err
		}
		defer func() { _ = src.Close() }()
		return io.Copy(w, &interruptibleReader{ctx: ctx, m: m, r: src})
	}

	sw, err := newSnapshotWriter(w, e.desc)
	if err != nil {
		return 0, err
	}
	err = e.view.Scan(storage.Root, storage.PrefixEnd(storage.Root), func(k, v []byte) error {
		if err := m.interrupted(ctx); err != nil {
			return err
		}
		return sw.writeRecord(k, v)
	})
	if err != nil {
		return sw.out.n, err
	}
	return sw.finish()
}

// open returns the staged stream of a received snapshot.
func (e *snapshotEntry) open() (io.ReadCloser, error) {
	if e.path != "" {
		f, err := os.Open(e.path)
		if err != nil {
			return nil, fmt.Errorf("group0: open staged snapshot: %w", err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

// TransferSnapshot streams the snapshot named by desc to dest. Failures are
// returned to the caller and never halt this node.
func (m *Machine) TransferSnapshot(ctx context.Context, dest string, desc SnapshotDescriptor) error {
	ctx, span := m.startSpan(ctx, "group0.TransferSnapshot",
		attribute.String("group0.snapshot.id", string(desc.ID)),
		attribute.String("group0.snapshot.dest", dest),
	)
	defer span.End()

	err := m.transfer(ctx, dest, desc)
	if err != nil {
		spanRecordError(span, err)
		m.metrics.IncGroup0Snapshot(m.NodeID, "transfer", "error")
		m.logger.Warn("snapshot transfer failed",
			"node_id", m.NodeID,
			"snapshot_id", desc.ID,
			"dest", dest,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	m.metrics.IncGroup0Snapshot(m.NodeID, "transfer", "ok")
	m.logger.Info("snapshot transferred",
		"node_id", m.NodeID,
		"snapshot_id", desc.ID,
		"dest", dest,
	)
	return nil
}

func (m *Machine) transfer(ctx context.Context, dest string, desc SnapshotDescriptor) error {
	if m.Transport == nil {
		return errors.New("no snapshot transport configured")
	}
	e, release, err := m.snapshots.acquire(desc.ID)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := m.materialize(ctx, e, pw)
		_ = pw.CloseWithError(err)
		done <- err
	}()

	sendErr := m.Transport.SendSnapshot(ctx, dest, e.desc, pr)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	cancel()
	writeErr := <-done

	if sendErr != nil {
		return sendErr
	}
	if writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) && !errors.Is(writeErr, context.Canceled) {
		return writeErr
	}
	return nil
}

// ReceiveSnapshot validates a snapshot stream produced by another replica and
// stages it for LoadSnapshot.
func (m *Machine) ReceiveSnapshot(ctx context.Context, r io.Reader) (SnapshotDescriptor, error) {
	ctx, span := m.startSpan(ctx, "group0.ReceiveSnapshot")
	defer span.End()

	desc, err := m.receive(ctx, r)
	if err != nil {
		spanRecordError(span, err)
		result := "error"
		if isCorrupt(err) {
			result = "corrupt"
		}
		m.metrics.IncGroup0Snapshot(m.NodeID, "receive", result)
		return SnapshotDescriptor{}, err
	}
	span.SetAttributes(
		attribute.String("group0.snapshot.id", string(desc.ID)),
		attribute.String("group0.state_id", desc.StateID.String()),
	)
	m.metrics.IncGroup0Snapshot(m.NodeID, "receive", "ok")
	m.logger.Info("snapshot received",
		"node_id", m.NodeID,
		"snapshot_id", desc.ID,
		"state_id", desc.StateID.String(),
	)
	return desc, nil
}

func (m *Machine) receive(ctx context.Context, r io.Reader) (SnapshotDescriptor, error) {
	src := &interruptibleReader{ctx: ctx, m: m, r: r}

	if m.SnapshotDir == "" {
		var buf bytes.Buffer
		desc, err := readSnapshotStream(io.TeeReader(src, &buf), nil)
		if err != nil {
			return SnapshotDescriptor{}, err
		}
		if err := m.snapshots.reserve(desc.ID); err != nil {
			return SnapshotDescriptor{}, err
		}
		m.snapshots.publish(&snapshotEntry{desc: desc, data: buf.Bytes()})
		m.metrics.ObserveGroup0SnapshotBytes(m.NodeID, "receive", int64(buf.Len()))
		return desc, nil
	}

	if err := os.MkdirAll(m.SnapshotDir, 0o750); err != nil {
		return SnapshotDescriptor{}, fmt.Errorf("group0: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.SnapshotDir, "incoming.tmp-*")
	if err != nil {
		return SnapshotDescriptor{}, fmt.Errorf("group0: stage snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	counter := &countingWriter{w: tmp}
	desc, err := readSnapshotStream(io.TeeReader(src, counter), nil)
	if err != nil {
		_ = tmp.Close()
		return SnapshotDescriptor{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return SnapshotDescriptor{}, fmt.Errorf("group0: sync staged snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return SnapshotDescriptor{}, fmt.Errorf("group0: close staged snapshot: %w", err)
	}

	if err := m.snapshots.reserve(desc.ID); err != nil {
		return SnapshotDescriptor{}, err
	}
	path := filepath.Join(m.SnapshotDir, string(desc.ID)+".snap")
	//nolint:gosec // desc.ID is a canonical uuid, checked by decodeSnapshotHeader.
	if err := os.Rename(tmpName, path); err != nil {
		m.snapshots.unreserve(desc.ID)
		return SnapshotDescriptor{}, fmt.Errorf("group0: publish staged snapshot: %w", err)
	}
	if err := syncDir(m.SnapshotDir); err != nil {
		_ = os.Remove(path)
		m.snapshots.unreserve(desc.ID)
		return SnapshotDescriptor{}, err
	}

	m.snapshots.publish(&snapshotEntry{desc: desc, path: path})
	m.metrics.ObserveGroup0SnapshotBytes(m.NodeID, "receive", counter.n)
	return desc, nil
}

// LoadSnapshot replaces the replicated state with snapshot id and resets the
// tracker to the snapshot's state id. The replacement commits as one batch,
// so an interrupted load leaves the previous state intact.
func (m *Machine) LoadSnapshot(ctx context.Context, id SnapshotID) error {
	if err := m.checkRunnable(); err != nil {
		return err
	}
	ctx, span := m.startSpan(ctx, "group0.LoadSnapshot", attribute.String("group0.snapshot.id", string(id)))
	defer span.End()

	e, release, err := m.snapshots.acquire(id)
	if err != nil {
		spanRecordError(span, err)
		return err
	}
	defer release()

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	m.readApplyMu.Lock()
	defer m.readApplyMu.Unlock()

	records, err := m.load(ctx, e)
	if err != nil {
		spanRecordError(span, err)
		result := "error"
		if isInterruption(err) {
			result = "interrupted"
		}
		m.metrics.IncGroup0Snapshot(m.NodeID, "load", result)
		return err
	}

	m.mu.Lock()
	m.current = e.desc.StateID
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("group0.state_id", e.desc.StateID.String()),
		attribute.Int("group0.snapshot.records", records),
	)
	m.metrics.IncGroup0Snapshot(m.NodeID, "load", "ok")
	m.logger.Info("snapshot loaded",
		"node_id", m.NodeID,
		"snapshot_id", id,
		"state_id", e.desc.StateID.String(),
		"records", records,
	)
	return nil
}

func (m *Machine) load(ctx context.Context, e *snapshotEntry) (int, error) {
	b := m.engine.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(storage.Root, storage.PrefixEnd(storage.Root)); err != nil {
		return 0, fmt.Errorf("group0: clear state for snapshot: %w", err)
	}

	records := 0
	got := stateid.Nil
	put := func(k, v []byte) error {
		if err := m.interrupted(ctx); err != nil {
			return err
		}
		if !bytes.HasPrefix(k, storage.Root) {
			return corrupt("record key %q outside replicated root", k)
		}
		if bytes.Equal(k, stateIDKey) {
			id, err := stateid.FromBytes(v)
			if err != nil {
				return corrupt("state id record: %v", err)
			}
			got = id
		}
		records++
		return b.Set(k, v)
	}

	if e.view != nil {
		if err := e.view.Scan(storage.Root, storage.PrefixEnd(storage.Root), put); err != nil {
			return 0, err
		}
	} else {
		src, err := e.open()
		if err != nil {
			return 0, err
		}
		_, err = readSnapshotStream(src, put)
		_ = src.Close()
		if err != nil {
			return 0, err
		}
	}

	if got != e.desc.StateID {
		return 0, corrupt("snapshot %s carries state %s, header says %s", e.desc.ID, got, e.desc.StateID)
	}
	if err := m.interrupted(ctx); err != nil {
		return 0, err
	}
	if err := m.engine.Commit(b); err != nil {
		return 0, fmt.Errorf("group0: commit snapshot: %w", err)
	}
	return records, nil
}

// interruptibleReader stops a stream copy after Abort or context cancellation.
type interruptibleReader struct {
	ctx context.Context
	m   *Machine
	r   io.Reader
}

func (r *interruptibleReader) Read(p []byte) (int, error) {
	if err := r.m.interrupted(r.ctx); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("group0: open snapshot dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("group0: sync snapshot dir: %w", err)
	}
	return nil
}
