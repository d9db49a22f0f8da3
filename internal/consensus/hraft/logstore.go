package hraft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// errKeyNotFound is matched by message inside hashicorp/raft.
var errKeyNotFound = errors.New("not found")

var (
	logPrefix    = []byte("/raft/log/")
	stablePrefix = []byte("/raft/stable/")
)

func logKey(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return storage.Key(logPrefix, b[:])
}

func indexFromKey(k []byte) (uint64, error) {
	if len(k) != len(logPrefix)+8 {
		return 0, fmt.Errorf("hraft: malformed log key %q", k)
	}
	return binary.BigEndian.Uint64(k[len(logPrefix):]), nil
}

func stableKey(k []byte) []byte {
	return storage.Key(stablePrefix, k)
}

// LogStore keeps the raft log and stable state in the node's Pebble engine,
// outside the replicated root, so they are never captured by group zero
// snapshots. It implements raft.LogStore and raft.StableStore.
type LogStore struct {
	engine  *storage.Engine
	nodeID  string
	metrics Metrics
}

var (
	_ raft.LogStore    = (*LogStore)(nil)
	_ raft.StableStore = (*LogStore)(nil)
)

// NewLogStore returns a log store on engine.
func NewLogStore(engine *storage.Engine, nodeID string, metrics Metrics) *LogStore {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &LogStore{engine: engine, nodeID: nodeID, metrics: metrics}
}

func (s *LogStore) fail(op string, err error) error {
	s.metrics.IncRaftStorageError(s.nodeID, op)
	return fmt.Errorf("hraft: %s: %w", op, err)
}

// FirstIndex returns the first stored index, 0 for an empty log.
func (s *LogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.engine.Scan(logPrefix, storage.PrefixEnd(logPrefix), func(k, _ []byte) error {
		idx, err := indexFromKey(k)
		if err != nil {
			return err
		}
		first = idx
		return storage.ErrStopScan
	})
	if err != nil {
		return 0, s.fail("first_index", err)
	}
	return first, nil
}

// LastIndex returns the last stored index, 0 for an empty log.
func (s *LogStore) LastIndex() (uint64, error) {
	k, _, ok, err := s.engine.Last(logPrefix, storage.PrefixEnd(logPrefix))
	if err != nil {
		return 0, s.fail("last_index", err)
	}
	if !ok {
		return 0, nil
	}
	idx, err := indexFromKey(k)
	if err != nil {
		return 0, s.fail("last_index", err)
	}
	return idx, nil
}

// GetLog loads the entry at index into log.
func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	raw, ok, err := s.engine.Get(logKey(index))
	if err != nil {
		return s.fail("get_log", err)
	}
	if !ok {
		return raft.ErrLogNotFound
	}
	if err := msgpack.Unmarshal(raw, log); err != nil {
		return s.fail("get_log", fmt.Errorf("decode entry %d: %w", index, err))
	}
	return nil
}

// StoreLog stores one entry.
func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores entries atomically.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	b := s.engine.NewBatch()
	defer b.Close()
	for _, l := range logs {
		raw, err := msgpack.Marshal(l)
		if err != nil {
			return s.fail("store_logs", fmt.Errorf("encode entry %d: %w", l.Index, err))
		}
		if err := b.Set(logKey(l.Index), raw); err != nil {
			return s.fail("store_logs", err)
		}
	}
	if err := s.engine.Commit(b); err != nil {
		return s.fail("store_logs", err)
	}
	return nil
}

// DeleteRange removes entries in [min, max].
func (s *LogStore) DeleteRange(min, max uint64) error {
	end := storage.PrefixEnd(logPrefix)
	if max < math.MaxUint64 {
		end = logKey(max + 1)
	}
	b := s.engine.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(logKey(min), end); err != nil {
		return s.fail("delete_range", err)
	}
	if err := s.engine.Commit(b); err != nil {
		return s.fail("delete_range", err)
	}
	return nil
}

// Set stores a stable value.
func (s *LogStore) Set(key, val []byte) error {
	b := s.engine.NewBatch()
	defer b.Close()
	if err := b.Set(stableKey(key), val); err != nil {
		return s.fail("set", err)
	}
	if err := s.engine.Commit(b); err != nil {
		return s.fail("set", err)
	}
	return nil
}

// Get returns a stable value.
func (s *LogStore) Get(key []byte) ([]byte, error) {
	v, ok, err := s.engine.Get(stableKey(key))
	if err != nil {
		return nil, s.fail("get", err)
	}
	if !ok {
		return nil, errKeyNotFound
	}
	return v, nil
}

// SetUint64 stores a stable counter.
func (s *LogStore) SetUint64(key []byte, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return s.Set(key, b[:])
}

// GetUint64 returns a stable counter.
func (s *LogStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, s.fail("get_uint64", fmt.Errorf("value of %q has %d bytes", key, len(v)))
	}
	return binary.BigEndian.Uint64(v), nil
}
