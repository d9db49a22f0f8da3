package group0

import (
	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Command is the unit carried by one replicated log entry.
type Command struct {
	Change Change

	// HistoryAppend is committed together with Change.
	HistoryAppend HistoryAppend

	// PrevStateID is the state the command was computed against. When set,
	// the command applies only if the tracker still holds this id; otherwise
	// it is a stale no-op. Nil means apply unconditionally.
	PrevStateID *stateid.ID

	// NewStateID is the state the machine transitions to.
	NewStateID stateid.ID

	// Creator is diagnostic only.
	Creator Creator
}

// Creator identifies the node that proposed a command.
type Creator struct {
	Addr string
	ID   string
}

// Change is the tagged union of command payloads. The set of variants is
// closed: every variant implements accept, and every consumer implements
// changeVisitor, so adding a variant fails to compile until each dispatch
// point handles it.
type Change interface {
	accept(v changeVisitor) error
}

type changeVisitor interface {
	visitSchemaChange(c SchemaChange) error
	visitBroadcastQuery(c BroadcastQuery) error
}

// SchemaChange is an ordered list of opaque catalog deltas.
type SchemaChange struct {
	Mutations [][]byte
}

func (c SchemaChange) accept(v changeVisitor) error { return v.visitSchemaChange(c) }

// BroadcastQuery is an opaque key/value operation outside the schema catalog.
type BroadcastQuery struct {
	Query []byte
}

func (c BroadcastQuery) accept(v changeVisitor) error { return v.visitBroadcastQuery(c) }

// HistoryAppend appends one row to the history log and, when GCBefore is set,
// removes every history row whose id sorts before GCBefore.
type HistoryAppend struct {
	StateID     stateid.ID
	Description string
	GCBefore    stateid.ID
}

// ChangeKind names a Change variant for logs and metrics.
func ChangeKind(c Change) string {
	var k kindVisitor
	if c == nil || c.accept(&k) != nil {
		return "unknown"
	}
	return k.kind
}

type kindVisitor struct{ kind string }

func (k *kindVisitor) visitSchemaChange(SchemaChange) error {
	k.kind = "schema"
	return nil
}

func (k *kindVisitor) visitBroadcastQuery(BroadcastQuery) error {
	k.kind = "broadcast"
	return nil
}

// Outcome reports what Apply did with one log entry.
type Outcome int

// Per-entry apply outcomes.
const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	// OutcomeDuplicate marks a command whose new state id is already in the
	// history, as happens when the log is replayed after a restart.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}
