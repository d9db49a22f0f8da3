// Package storage is the durable key/value engine backing the replicated
// metadata: history, tracker scalar, schema catalog and broadcast tables all
// live in one Pebble database so a command commits as a single batch.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Root is the key prefix holding all replicated state. Snapshots capture and
// replace exactly this range. Keys outside it (e.g. the raft log) are local.
var Root = []byte("/g0/")

// ErrStopScan may be returned by a Scan callback to end iteration early
// without reporting an error.
var ErrStopScan = errors.New("storage: stop scan")

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("storage: engine closed")

// Logger is the logging interface required by Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Reader is read access to a consistent view of the store.
type Reader interface {
	// Get returns a copy of the value stored at key.
	Get(key []byte) (value []byte, found bool, err error)
	// Scan calls fn for every key in [lower, upper) in ascending order.
	// Key and value slices are copies owned by the callee.
	Scan(lower, upper []byte, fn func(key, value []byte) error) error
	// Last returns the greatest key in [lower, upper).
	Last(lower, upper []byte) (key, value []byte, found bool, err error)
}

// Writer stages mutations.
type Writer interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	// DeleteRange deletes every key in [start, end).
	DeleteRange(start, end []byte) error
}

// ReadWriter reads its own staged writes.
type ReadWriter interface {
	Reader
	Writer
}

// Engine wraps a Pebble database.
type Engine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    Logger
}

// Open opens (or creates) a Pebble database rooted at dir.
func Open(dir string, logger Logger) (*Engine, error) {
	return open(dir, &pebble.Options{}, logger)
}

// OpenInMemory opens an engine on an in-memory filesystem.
func OpenInMemory(logger Logger) (*Engine, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, logger)
}

func open(dir string, opts *pebble.Options, logger Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("storage: nil logger")
	}
	opts.Logger = pebbleLogger{logger: logger}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %q: %w", dir, err)
	}
	return &Engine{db: db, writeOpts: pebble.Sync, logger: logger}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	if e.db == nil {
		return ErrClosed
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Get implements Reader.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.db == nil {
		return nil, false, ErrClosed
	}
	return get(e.db, key)
}

// Scan implements Reader.
func (e *Engine) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	if e.db == nil {
		return ErrClosed
	}
	return scan(e.db, lower, upper, fn)
}

// Last implements Reader.
func (e *Engine) Last(lower, upper []byte) ([]byte, []byte, bool, error) {
	if e.db == nil {
		return nil, nil, false, ErrClosed
	}
	return last(e.db, lower, upper)
}

// NewBatch returns an indexed batch. Nothing is visible to other readers until
// Commit succeeds. On a closed engine every batch method returns ErrClosed.
func (e *Engine) NewBatch() *Batch {
	if e.db == nil {
		return &Batch{closed: true}
	}
	return &Batch{b: e.db.NewIndexedBatch()}
}

// Commit durably applies b as one atomic unit and releases it.
func (e *Engine) Commit(b *Batch) error {
	if e.db == nil || b.b == nil {
		b.Close()
		return ErrClosed
	}
	if b.closed {
		return fmt.Errorf("storage: commit of released batch")
	}
	defer b.Close()
	if err := b.b.Commit(e.writeOpts); err != nil {
		return fmt.Errorf("storage: commit batch: %w", err)
	}
	return nil
}

// NewView captures a point-in-time read view. The view observes either all or
// none of any batch committed concurrently.
// On a closed engine every view method returns ErrClosed.
func (e *Engine) NewView() *View {
	if e.db == nil {
		return &View{}
	}
	return &View{s: e.db.NewSnapshot()}
}

// Batch is an atomic set of writes that can read its own staged state.
type Batch struct {
	b      *pebble.Batch
	closed bool
}

// Get implements Reader.
func (b *Batch) Get(key []byte) ([]byte, bool, error) {
	if b.b == nil {
		return nil, false, ErrClosed
	}
	return get(b.b, key)
}

// Scan implements Reader.
func (b *Batch) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	if b.b == nil {
		return ErrClosed
	}
	return scan(b.b, lower, upper, fn)
}

// Last implements Reader.
func (b *Batch) Last(lower, upper []byte) ([]byte, []byte, bool, error) {
	if b.b == nil {
		return nil, nil, false, ErrClosed
	}
	return last(b.b, lower, upper)
}

// Set implements Writer.
func (b *Batch) Set(key, value []byte) error {
	if b.b == nil {
		return ErrClosed
	}
	return b.b.Set(key, value, nil)
}

// Delete implements Writer.
func (b *Batch) Delete(key []byte) error {
	if b.b == nil {
		return ErrClosed
	}
	return b.b.Delete(key, nil)
}

// DeleteRange implements Writer.
func (b *Batch) DeleteRange(start, end []byte) error {
	if b.b == nil {
		return ErrClosed
	}
	if bytes.Compare(start, end) >= 0 {
		return nil
	}
	return b.b.DeleteRange(start, end, nil)
}

// Len reports the encoded size of the staged writes.
func (b *Batch) Len() int {
	if b.b == nil {
		return 0
	}
	return b.b.Len()
}

// Close discards the batch if it was not committed. Safe to call twice.
func (b *Batch) Close() {
	if b.closed {
		return
	}
	b.closed = true
	_ = b.b.Close()
}

// View is an immutable point-in-time read view.
type View struct {
	s *pebble.Snapshot
}

// Get implements Reader.
func (v *View) Get(key []byte) ([]byte, bool, error) {
	if v.s == nil {
		return nil, false, ErrClosed
	}
	return get(v.s, key)
}

// Scan implements Reader.
func (v *View) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	if v.s == nil {
		return ErrClosed
	}
	return scan(v.s, lower, upper, fn)
}

// Last implements Reader.
func (v *View) Last(lower, upper []byte) ([]byte, []byte, bool, error) {
	if v.s == nil {
		return nil, nil, false, ErrClosed
	}
	return last(v.s, lower, upper)
}

// Close releases the view.
func (v *View) Close() error {
	if v.s == nil {
		return nil
	}
	return v.s.Close()
}

// PrefixEnd returns the smallest key greater than every key with prefix p.
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Key concatenates parts into a fresh key.
func Key(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// pebbleReader is the subset shared by *pebble.DB, *pebble.Snapshot and
// indexed *pebble.Batch.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func get(r pebbleReader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true, nil
}

func scan(r pebbleReader, lower, upper []byte, fn func(key, value []byte) error) (err error) {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("storage: new iterator: %w", err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("storage: close iterator: %w", cerr)
		}
	}()

	for valid := it.First(); valid; valid = it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

func last(r pebbleReader, lower, upper []byte) (key, value []byte, found bool, err error) {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, false, fmt.Errorf("storage: new iterator: %w", err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("storage: close iterator: %w", cerr)
		}
	}()

	if !it.Last() {
		return nil, nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), true, nil
}

type pebbleLogger struct {
	logger Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("pebble", "msg", fmt.Sprintf(format, args...))
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("pebble", "msg", fmt.Sprintf(format, args...))
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error("pebble fatal", "msg", msg)
	panic(msg)
}
