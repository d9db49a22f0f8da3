package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/consensus"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/service")

// localConsensus applies every proposal straight to the machine, the way a
// single-node cluster would.
type localConsensus struct {
	machine *group0.Machine

	mu        sync.Mutex
	follower  bool
	proposals int
	// beforeApply runs ahead of the proposed entry, inside Propose.
	beforeApply func(n int)
}

func (c *localConsensus) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *localConsensus) Propose(ctx context.Context, cmd []byte) (any, error) {
	c.mu.Lock()
	if c.follower {
		c.mu.Unlock()
		return nil, consensus.ErrNotLeader
	}
	c.proposals++
	n := c.proposals
	hook := c.beforeApply
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	out, err := c.machine.Apply(ctx, [][]byte{cmd})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *localConsensus) Barrier(context.Context) error {
	if !c.IsLeader() {
		return consensus.ErrNotLeader
	}
	return nil
}

func (c *localConsensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.follower
}

func (c *localConsensus) Leader() (string, string) { return "n1", "127.0.0.1:7000" }
func (c *localConsensus) Stop() error              { return nil }

type testNode struct {
	consensus *localConsensus
	machine   *group0.Machine
	group0    *Group0
	schema    *Schema
	broadcast *Broadcast
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	e, err := storage.OpenInMemory(slog.Default())
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	cat := catalog.New(e, slog.Default(), testTracer)
	kv := broadcast.NewStore(e, slog.Default(), testTracer)
	m, err := group0.New(e, cat, kv, slog.Default(), testTracer, nil)
	if err != nil {
		t.Fatalf("group0.New() error = %v", err)
	}
	m.NodeID = "n1"

	c := &localConsensus{machine: m}
	g := NewGroup0(c, m, nil, slog.Default(), testTracer, nil, "n1")
	return &testNode{
		consensus: c,
		machine:   m,
		group0:    g,
		schema:    NewSchema(g, cat),
		broadcast: NewBroadcast(g, kv),
	}
}

func TestSchema_CreateAndDescribe(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	id, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app", DurableWrites: true}, false)
	if err != nil {
		t.Fatalf("CreateKeyspace() error = %v", err)
	}
	if id.IsNil() || n.machine.CurrentStateID() != id {
		t.Fatalf("tracker: want %v, got %v", id, n.machine.CurrentStateID())
	}
	_, err = n.schema.CreateTable(ctx, catalog.Table{
		Keyspace: "app",
		Name:     "events",
		Columns:  []catalog.Column{{Name: "id", Type: "timeuuid", Kind: catalog.PartitionKey}},
	}, false)
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}

	desc, err := n.schema.Describe("app")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if len(desc.Tables) != 1 || desc.Tables[0].ID == "" {
		t.Fatalf("unexpected description %+v", desc)
	}

	entries, err := n.group0.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Description != "CREATE TABLE app.events" {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestSchema_IfNotExistsProposesNothing(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false); err != nil {
		t.Fatalf("CreateKeyspace() error = %v", err)
	}
	before := n.consensus.proposals

	id, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, true)
	if err != nil || !id.IsNil() {
		t.Fatalf("CreateKeyspace(ifNotExists) = %v, %v", id, err)
	}
	if n.consensus.proposals != before {
		t.Fatalf("no-op must not be proposed")
	}
	if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false); !errors.Is(err, catalog.ErrKeyspaceExists) {
		t.Fatalf("expected ErrKeyspaceExists, got %v", err)
	}
}

func TestGroup0_RetriesAfterConcurrentModification(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	// The first proposal loses the race against another proposer's change.
	rival := stateid.NewGeneratorWithClock([6]byte{2}, 7, time.Now)
	n.consensus.beforeApply = func(attempt int) {
		if attempt != 1 {
			return
		}
		raw := rivalKeyspace(t, n.machine.CurrentStateID(), rival.NextAfter(n.machine.CurrentStateID()))
		if _, err := n.machine.Apply(ctx, [][]byte{raw}); err != nil {
			t.Errorf("rival Apply() error = %v", err)
		}
	}

	id, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false)
	if err != nil {
		t.Fatalf("CreateKeyspace() error = %v", err)
	}
	if n.consensus.proposals != 2 {
		t.Fatalf("want 2 proposals, got %d", n.consensus.proposals)
	}
	if n.machine.CurrentStateID() != id {
		t.Fatalf("tracker does not point at the retried command")
	}
	kss, _ := n.schema.Keyspaces()
	if len(kss) != 2 {
		t.Fatalf("want both keyspaces, got %+v", kss)
	}
}

func TestGroup0_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	n.group0.MaxRetries = 1

	rival := stateid.NewGeneratorWithClock([6]byte{2}, 7, time.Now)
	n.consensus.beforeApply = func(attempt int) {
		raw := rivalKeyspace(t, n.machine.CurrentStateID(), rival.NextAfter(n.machine.CurrentStateID()), attempt)
		if _, err := n.machine.Apply(ctx, [][]byte{raw}); err != nil {
			t.Errorf("rival Apply() error = %v", err)
		}
	}

	if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if n.consensus.proposals != 2 {
		t.Fatalf("want 2 proposals, got %d", n.consensus.proposals)
	}
}

func rivalKeyspace(t *testing.T, prev, next stateid.ID, suffix ...int) []byte {
	t.Helper()
	name := "rival"
	for _, s := range suffix {
		name += string(rune('a' + s))
	}
	muts, err := catalog.EncodeMutations([]catalog.Mutation{{Op: catalog.OpUpsertKeyspace, Keyspace: &catalog.Keyspace{Name: name}}})
	if err != nil {
		t.Fatalf("EncodeMutations() error = %v", err)
	}
	h, err := group0.NewHistoryAppend(next, "rival", nil)
	if err != nil {
		t.Fatalf("NewHistoryAppend() error = %v", err)
	}
	raw, err := group0.Encode(group0.Command{
		Change:        group0.SchemaChange{Mutations: muts},
		HistoryAppend: h,
		PrevStateID:   &prev,
		NewStateID:    next,
		Creator:       group0.Creator{ID: "n2"},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

func TestGroup0_NotLeader(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	n.consensus.follower = true

	if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
	if _, err := n.broadcast.Put(ctx, "k", "v", nil); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestGroup0_HistoryRetentionAttachedToProposals(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	n.group0.HistoryRetention = time.Nanosecond

	for _, name := range []string{"a", "b", "c"} {
		if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: name}, false); err != nil {
			t.Fatalf("CreateKeyspace() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if err := n.group0.CollectHistory(ctx); err != nil {
		t.Fatalf("CollectHistory() error = %v", err)
	}
	entries, err := n.group0.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Description != "history gc" {
		t.Fatalf("older rows must be collected, got %+v", entries)
	}
}

func TestBroadcast_PutGetAndCompareAndSet(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	if _, err := n.broadcast.Put(ctx, "leader", "n1", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	res, err := n.broadcast.Get(ctx, "leader")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !res.Found || res.Value != "n1" {
		t.Fatalf("unexpected select result %+v", res)
	}

	wrong := "n9"
	res, err = n.broadcast.Put(ctx, "leader", "n2", &wrong)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res.Kind != broadcast.ConditionalUpdateResult || res.Applied || res.Previous != "n1" {
		t.Fatalf("unexpected cas result %+v", res)
	}

	right := "n1"
	res, err = n.broadcast.Put(ctx, "leader", "n2", &right)
	if err != nil || !res.Applied {
		t.Fatalf("cas with the current value: %+v, %v", res, err)
	}
	if v, ok, _ := n.broadcast.LocalGet("leader"); !ok || v != "n2" {
		t.Fatalf("LocalGet() = %q, %v", v, ok)
	}
}

func TestBroadcast_InterleavedWithSchemaChangeForcesRetry(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	// A broadcast lands between StartOperation and AddEntry. Broadcasts
	// advance the tracker, so the guarded change must be retried.
	n.consensus.beforeApply = func(attempt int) {
		if attempt == 1 {
			n.consensus.beforeApply = nil
			if _, err := n.broadcast.Put(ctx, "k", "v", nil); err != nil {
				t.Errorf("Put() error = %v", err)
			}
		}
	}
	if _, err := n.schema.CreateKeyspace(ctx, catalog.Keyspace{Name: "app"}, false); err != nil {
		t.Fatalf("CreateKeyspace() error = %v", err)
	}
	if _, err := n.schema.Describe("app"); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
}

func TestRunHistoryJanitor(t *testing.T) {
	n := newTestNode(t)
	if err := n.group0.RunHistoryJanitor(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("janitor without retention must return nil, got %v", err)
	}

	n.group0.HistoryRetention = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.group0.RunHistoryJanitor(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n.consensus.mu.Lock()
		proposals := n.consensus.proposals
		n.consensus.mu.Unlock()
		if proposals > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("janitor never proposed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunHistoryJanitor() error = %v, want context.Canceled", err)
	}
}

func TestRunHistoryJanitor_FollowerStaysIdle(t *testing.T) {
	n := newTestNode(t)
	n.group0.HistoryRetention = time.Hour
	n.consensus.follower = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := n.group0.RunHistoryJanitor(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunHistoryJanitor() error = %v", err)
	}
	if n.consensus.proposals != 0 {
		t.Fatalf("follower proposed %d times", n.consensus.proposals)
	}
}
