package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/group0"
)

// Broadcast runs queries against the broadcast table. Queries carry no
// previous state id: conditions are evaluated by the state machine, so they
// never become stale.
type Broadcast struct {
	group0 *Group0
	store  *broadcast.Store
}

// NewBroadcast creates the broadcast service.
func NewBroadcast(g *Group0, store *broadcast.Store) *Broadcast {
	return &Broadcast{group0: g, store: store}
}

// Get reads key through the log, so the result reflects every change
// committed before it.
func (b *Broadcast) Get(ctx context.Context, key string) (broadcast.Result, error) {
	return b.execute(ctx, "BroadcastGet", broadcast.Select(key))
}

// Put writes value to key. A non-nil condition turns the write into a
// compare-and-set; the result reports whether it took effect.
func (b *Broadcast) Put(ctx context.Context, key, value string, condition *string) (broadcast.Result, error) {
	return b.execute(ctx, "BroadcastPut", broadcast.Update(key, value, condition))
}

// LocalGet reads key from this replica without going through the log.
func (b *Broadcast) LocalGet(key string) (string, bool, error) {
	return b.store.Get(key)
}

func (b *Broadcast) execute(ctx context.Context, name string, q broadcast.Query) (broadcast.Result, error) {
	s := b.group0
	ctx, span := s.startSpan(ctx, "group0.service."+name,
		attribute.String("broadcast.key", q.Key),
		attribute.Bool("broadcast.conditional", q.Condition != nil),
	)
	defer span.End()
	start := time.Now()

	res, err := b.run(ctx, q)
	s.observe(name, start, err)
	if err != nil {
		spanRecordError(span, err)
		return broadcast.Result{}, err
	}
	return res, nil
}

func (b *Broadcast) run(ctx context.Context, q broadcast.Query) (broadcast.Result, error) {
	s := b.group0
	if !s.consensus.IsLeader() {
		return broadcast.Result{}, ErrNotLeader
	}
	query, err := q.Encode()
	if err != nil {
		return broadcast.Result{}, fmt.Errorf("service: encode query: %w", err)
	}

	id := s.ids.NextAfter(s.machine.CurrentStateID())
	raw, err := s.encode(group0.BroadcastQuery{Query: query}, nil, id, "")
	if err != nil {
		return broadcast.Result{}, err
	}

	results := s.machine.Results()
	ch := results.Expect(id)
	defer results.Forget(id)

	if err := s.propose(ctx, raw); err != nil {
		return broadcast.Result{}, err
	}
	select {
	case out := <-ch:
		return broadcast.DecodeResult(out)
	case <-ctx.Done():
		return broadcast.Result{}, fmt.Errorf("%w: %w", ErrCommitTimeout, ctx.Err())
	default:
		// Propose returns after the local apply, which publishes first.
		return broadcast.Result{}, ErrNoResult
	}
}
