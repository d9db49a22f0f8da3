package stateid

import (
	"bytes"
	"errors"
	"sort"
	"testing"
	"time"
)

var testNode = [6]byte{1, 2, 3, 4, 5, 6}

func TestID_TimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 123456700, time.UTC)
	id := New(ts, 7, testNode)

	if got := id.Time(); !got.Equal(ts) {
		t.Fatalf("Time(): want %v, got %v", ts, got)
	}
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed != id {
		t.Fatalf("Parse(String()): want %v, got %v", id, parsed)
	}
}

func TestCompare_OrdersByTimestampThenClockSeqThenNode(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	earlier := New(base, 9, [6]byte{9, 9, 9, 9, 9, 9})
	later := New(base.Add(time.Microsecond), 0, [6]byte{})
	lowSeq := New(base, 1, [6]byte{9})
	highSeq := New(base, 2, [6]byte{0})
	lowNode := New(base, 3, [6]byte{0, 0, 0, 0, 0, 1})
	highNode := New(base, 3, [6]byte{0, 0, 0, 0, 0, 2})

	tests := []struct {
		name string
		a, b ID
		want int
	}{
		{"timestamp dominates", earlier, later, -1},
		{"clock sequence breaks timestamp ties", lowSeq, highSeq, -1},
		{"node breaks remaining ties", highNode, lowNode, 1},
		{"equal", lowNode, lowNode, 0},
		{"nil sorts first", Nil, earlier, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Fatalf("Compare(): want %d, got %d", tt.want, got)
			}
		})
	}
}

func TestSortKey_MatchesCompare(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	ids := []ID{
		New(base.Add(3*time.Second), 1, testNode),
		New(base, 5, [6]byte{2}),
		New(base, 5, [6]byte{1}),
		New(base.Add(time.Hour), 0, [6]byte{}),
		New(base, 0, [6]byte{7}),
	}

	byCompare := append([]ID(nil), ids...)
	sort.Slice(byCompare, func(i, j int) bool { return Less(byCompare[i], byCompare[j]) })

	byKey := append([]ID(nil), ids...)
	sort.Slice(byKey, func(i, j int) bool { return bytes.Compare(byKey[i].SortKey(), byKey[j].SortKey()) < 0 })

	for i := range byCompare {
		if byCompare[i] != byKey[i] {
			t.Fatalf("order mismatch at %d: compare=%v key=%v", i, byCompare[i], byKey[i])
		}
		back, err := FromSortKey(byKey[i].SortKey())
		if err != nil {
			t.Fatalf("FromSortKey() error = %v", err)
		}
		if back != byKey[i] {
			t.Fatalf("FromSortKey(SortKey()): want %v, got %v", byKey[i], back)
		}
	}
}

func TestMinForTime_IsLowerBound(t *testing.T) {
	ts := time.Date(2024, 5, 5, 5, 5, 5, 0, time.UTC)
	lo := MinForTime(ts)

	if !Less(lo, New(ts, 0, [6]byte{0, 0, 0, 0, 0, 1})) {
		t.Fatalf("MinForTime should sort before any other id with the same timestamp")
	}
	if !Less(New(ts.Add(-100*time.Nanosecond), 0x3fff, [6]byte{255, 255, 255, 255, 255, 255}), lo) {
		t.Fatalf("ids with an earlier timestamp should sort before MinForTime")
	}
}

func TestGenerator_NextIsStrictlyIncreasingWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGeneratorWithClock(testNode, 3, func() time.Time { return frozen })

	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		if !Less(prev, next) {
			t.Fatalf("iteration %d: %v does not sort after %v", i, next, prev)
		}
		prev = next
	}
}

func TestGenerator_NextAfterSkipsPastPrev(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGeneratorWithClock(testNode, 3, func() time.Time { return now })

	// prev comes from a proposer whose clock runs ahead.
	prev := New(now.Add(time.Minute), 0x3fff, [6]byte{255, 255, 255, 255, 255, 255})
	next := g.NextAfter(prev)
	if !Less(prev, next) {
		t.Fatalf("NextAfter(%v) = %v, want a later id", prev, next)
	}
}

func TestParse_RejectsNonTimeBased(t *testing.T) {
	_, err := Parse("6ba7b810-9dad-41d1-80b4-00c04fd430c8") // version 4
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
