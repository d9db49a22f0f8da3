// Package catalog implements the schema catalog mutated by group zero schema
// changes: keyspaces, tables and user-defined types persisted in the
// replicated store.
package catalog

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/vmihailenco/msgpack/v5"
)

// Catalog errors returned to proposers.
var (
	ErrInvalidDefinition = errors.New("catalog: invalid definition")
	ErrKeyspaceExists    = errors.New("catalog: keyspace already exists")
	ErrKeyspaceNotFound  = errors.New("catalog: keyspace not found")
	ErrTableExists       = errors.New("catalog: table already exists")
	ErrTableNotFound     = errors.New("catalog: table not found")
	ErrTypeExists        = errors.New("catalog: type already exists")
	ErrTypeNotFound      = errors.New("catalog: type not found")
	ErrTypeInUse         = errors.New("catalog: type is referenced by a table")
)

// ErrMalformedMutation is returned by the applier for a delta it cannot apply.
var ErrMalformedMutation = errors.New("catalog: malformed mutation")

// ColumnKind is the role of a column in a table's primary key.
type ColumnKind string

// Column kinds.
const (
	PartitionKey ColumnKind = "partition_key"
	Clustering   ColumnKind = "clustering"
	Regular      ColumnKind = "regular"
	Static       ColumnKind = "static"
)

// Keyspace groups tables and types under a replication strategy.
type Keyspace struct {
	Name          string            `msgpack:"name"`
	Replication   map[string]string `msgpack:"replication,omitempty"`
	DurableWrites bool              `msgpack:"durable_writes"`
}

// Column is one column of a table.
type Column struct {
	Name string     `msgpack:"name"`
	Type string     `msgpack:"type"`
	Kind ColumnKind `msgpack:"kind"`
}

// Table is a table definition.
type Table struct {
	Keyspace string   `msgpack:"keyspace"`
	Name     string   `msgpack:"name"`
	ID       string   `msgpack:"id"`
	Columns  []Column `msgpack:"columns"`
	Comment  string   `msgpack:"comment,omitempty"`
}

// Field is one field of a user-defined type.
type Field struct {
	Name string `msgpack:"name"`
	Type string `msgpack:"type"`
}

// UserType is a user-defined type.
type UserType struct {
	Keyspace string  `msgpack:"keyspace"`
	Name     string  `msgpack:"name"`
	Fields   []Field `msgpack:"fields"`
}

// Op identifies a catalog delta.
type Op string

// Supported catalog deltas.
const (
	OpUpsertKeyspace Op = "upsert_keyspace"
	OpDropKeyspace   Op = "drop_keyspace"
	OpUpsertTable    Op = "upsert_table"
	OpDropTable      Op = "drop_table"
	OpUpsertType     Op = "upsert_type"
	OpDropType       Op = "drop_type"
)

// Mutation is a self-contained, idempotent delta to one catalog partition.
type Mutation struct {
	Op       Op        `msgpack:"op"`
	Keyspace *Keyspace `msgpack:"keyspace,omitempty"`
	Table    *Table    `msgpack:"table,omitempty"`
	Type     *UserType `msgpack:"type,omitempty"`
	// Target names the dropped object: keyspace and, for tables and types, name.
	Target Ref `msgpack:"target"`
}

// Ref names a catalog object.
type Ref struct {
	Keyspace string `msgpack:"keyspace"`
	Name     string `msgpack:"name,omitempty"`
}

// Encode serializes m for a schema change command.
func (m Mutation) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMutation parses one schema delta.
func DecodeMutation(raw []byte) (Mutation, error) {
	var m Mutation
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrMalformedMutation, err)
	}
	return m, nil
}

// EncodeMutations serializes a list of deltas.
func EncodeMutations(muts []Mutation) ([][]byte, error) {
	out := make([][]byte, 0, len(muts))
	for _, m := range muts {
		raw, err := m.Encode()
		if err != nil {
			return nil, fmt.Errorf("catalog: encode %s: %w", m.Op, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,47}$`)

func validIdent(s string) bool { return identRe.MatchString(s) }

var nativeTypes = map[string]bool{
	"ascii": true, "bigint": true, "blob": true, "boolean": true, "counter": true,
	"date": true, "decimal": true, "double": true, "duration": true, "float": true,
	"inet": true, "int": true, "smallint": true, "text": true, "time": true,
	"timestamp": true, "timeuuid": true, "tinyint": true, "uuid": true,
	"varchar": true, "varint": true,
}

// validate checks the structure of a delta; it does not look at existing state.
func (m Mutation) validate() error {
	switch m.Op {
	case OpUpsertKeyspace:
		if m.Keyspace == nil || !validIdent(m.Keyspace.Name) {
			return fmt.Errorf("%w: keyspace definition", ErrMalformedMutation)
		}
	case OpUpsertTable:
		if m.Table == nil {
			return fmt.Errorf("%w: missing table definition", ErrMalformedMutation)
		}
		if err := validateTableShape(*m.Table); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMutation, err)
		}
	case OpUpsertType:
		if m.Type == nil || !validIdent(m.Type.Keyspace) || !validIdent(m.Type.Name) {
			return fmt.Errorf("%w: type definition", ErrMalformedMutation)
		}
	case OpDropKeyspace:
		if !validIdent(m.Target.Keyspace) {
			return fmt.Errorf("%w: drop target %+v", ErrMalformedMutation, m.Target)
		}
	case OpDropTable, OpDropType:
		if !validIdent(m.Target.Keyspace) || !validIdent(m.Target.Name) {
			return fmt.Errorf("%w: drop target %+v", ErrMalformedMutation, m.Target)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformedMutation, m.Op)
	}
	return nil
}

func validateTableShape(t Table) error {
	if !validIdent(t.Keyspace) || !validIdent(t.Name) {
		return fmt.Errorf("invalid table name %q.%q", t.Keyspace, t.Name)
	}
	if t.ID == "" {
		return fmt.Errorf("table %s.%s has no id", t.Keyspace, t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	partition := 0
	for _, c := range t.Columns {
		if !validIdent(c.Name) {
			return fmt.Errorf("invalid column name %q", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		switch c.Kind {
		case PartitionKey:
			partition++
		case Clustering, Regular, Static:
		default:
			return fmt.Errorf("column %q has unknown kind %q", c.Name, c.Kind)
		}
		if c.Type == "" {
			return fmt.Errorf("column %q has no type", c.Name)
		}
	}
	if partition == 0 {
		return fmt.Errorf("table %s.%s has no partition key", t.Keyspace, t.Name)
	}
	return nil
}
