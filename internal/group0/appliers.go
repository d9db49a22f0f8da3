package group0

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

import (
	"context"
	"io"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// SchemaApplier commits schema deltas into the local catalog. Writes must be
// staged into rw so they commit atomically with the history append.
type SchemaApplier interface {
	ApplySchemaMutations(ctx context.Context, rw storage.ReadWriter, mutations [][]byte) error
}

// BroadcastApplier commits a key/value operation outside the schema catalog.
// The returned bytes are handed to whoever waits for stateID.
type BroadcastApplier interface {
	ApplyBroadcastQuery(ctx context.Context, rw storage.ReadWriter, query []byte, stateID stateid.ID) ([]byte, error)
}

// SnapshotTransport streams a materialized snapshot to another replica.
type SnapshotTransport interface {
	SendSnapshot(ctx context.Context, dest string, desc SnapshotDescriptor, r io.Reader) error
}

// applyVisitor dispatches a Change to the matching applier.
type applyVisitor struct {
	ctx       context.Context
	rw        storage.ReadWriter
	schema    SchemaApplier
	broadcast BroadcastApplier
	stateID   stateid.ID

	result    []byte
	hasResult bool
}

func (v *applyVisitor) visitSchemaChange(c SchemaChange) error {
	if len(c.Mutations) == 0 {
		return nil
	}
	return v.schema.ApplySchemaMutations(v.ctx, v.rw, c.Mutations)
}

func (v *applyVisitor) visitBroadcastQuery(c BroadcastQuery) error {
	res, err := v.broadcast.ApplyBroadcastQuery(v.ctx, v.rw, c.Query, v.stateID)
	if err != nil {
		return err
	}
	v.result = res
	v.hasResult = true
	return nil
}
