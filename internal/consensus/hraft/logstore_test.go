package hraft

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/i-melnichenko/group0-lab/internal/storage"
)

func newTestLogStore(t *testing.T) (*LogStore, *storage.Engine) {
	t.Helper()
	e, err := storage.OpenInMemory(slog.Default())
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return NewLogStore(e, "n1", nil), e
}

func TestLogStore_Indexes(t *testing.T) {
	s, _ := newTestLogStore(t)

	if first, _ := s.FirstIndex(); first != 0 {
		t.Fatalf("FirstIndex on empty log = %d", first)
	}
	if last, _ := s.LastIndex(); last != 0 {
		t.Fatalf("LastIndex on empty log = %d", last)
	}

	var logs []*raft.Log
	for i := uint64(5); i <= 260; i++ {
		logs = append(logs, &raft.Log{Index: i, Term: 2, Type: raft.LogCommand, Data: []byte{byte(i)}})
	}
	if err := s.StoreLogs(logs); err != nil {
		t.Fatalf("StoreLogs() error = %v", err)
	}
	if first, _ := s.FirstIndex(); first != 5 {
		t.Fatalf("FirstIndex = %d, want 5", first)
	}
	if last, _ := s.LastIndex(); last != 260 {
		t.Fatalf("LastIndex = %d, want 260", last)
	}

	var got raft.Log
	if err := s.GetLog(256, &got); err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if got.Index != 256 || got.Term != 2 || got.Type != raft.LogCommand || got.Data[0] != 0 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if err := s.GetLog(4, &got); !errors.Is(err, raft.ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}

func TestLogStore_DeleteRange(t *testing.T) {
	s, _ := newTestLogStore(t)
	for i := uint64(1); i <= 10; i++ {
		if err := s.StoreLog(&raft.Log{Index: i, Term: 1, AppendedAt: time.Now()}); err != nil {
			t.Fatalf("StoreLog() error = %v", err)
		}
	}
	if err := s.DeleteRange(1, 6); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if first, _ := s.FirstIndex(); first != 7 {
		t.Fatalf("FirstIndex = %d, want 7", first)
	}
	// Conflicting suffix removal.
	if err := s.DeleteRange(9, 10); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if last, _ := s.LastIndex(); last != 8 {
		t.Fatalf("LastIndex = %d, want 8", last)
	}
}

func TestLogStore_StableStore(t *testing.T) {
	s, _ := newTestLogStore(t)

	if _, err := s.Get([]byte("LastVoteCand")); err == nil || err.Error() != "not found" {
		t.Fatalf("missing key must report \"not found\", got %v", err)
	}
	if _, err := s.GetUint64([]byte("CurrentTerm")); err == nil || err.Error() != "not found" {
		t.Fatalf("missing key must report \"not found\", got %v", err)
	}
	if err := s.Set([]byte("LastVoteCand"), []byte("n2")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, err := s.Get([]byte("LastVoteCand")); err != nil || string(v) != "n2" {
		t.Fatalf("Get() = %q, %v", v, err)
	}
	if err := s.SetUint64([]byte("CurrentTerm"), 42); err != nil {
		t.Fatalf("SetUint64() error = %v", err)
	}
	if v, err := s.GetUint64([]byte("CurrentTerm")); err != nil || v != 42 {
		t.Fatalf("GetUint64() = %d, %v", v, err)
	}
}

func TestLogStore_KeysStayOutsideReplicatedRoot(t *testing.T) {
	s, e := newTestLogStore(t)
	if err := s.StoreLog(&raft.Log{Index: 1, Term: 1}); err != nil {
		t.Fatalf("StoreLog() error = %v", err)
	}
	if err := s.SetUint64([]byte("CurrentTerm"), 1); err != nil {
		t.Fatalf("SetUint64() error = %v", err)
	}
	n := 0
	_ = e.Scan(storage.Root, storage.PrefixEnd(storage.Root), func(_, _ []byte) error {
		n++
		return nil
	})
	if n != 0 {
		t.Fatalf("raft state leaked into the replicated root: %d keys", n)
	}
}
