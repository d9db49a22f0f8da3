package service

import (
	"context"
	"fmt"

	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Schema exposes catalog operations. Reads are served from the local replica;
// changes go through group zero.
type Schema struct {
	group0  *Group0
	catalog *catalog.Catalog
}

// NewSchema creates the schema service.
func NewSchema(g *Group0, c *catalog.Catalog) *Schema {
	return &Schema{group0: g, catalog: c}
}

// KeyspaceDescription is a keyspace with everything defined in it.
type KeyspaceDescription struct {
	Keyspace catalog.Keyspace
	Tables   []catalog.Table
	Types    []catalog.UserType
}

// plan adapts a catalog planner to a guarded group zero operation. The
// planner runs under the read/apply guard so it sees exactly the state the
// command will be checked against.
func (s *Schema) plan(ctx context.Context, name, description string, planner func() ([]catalog.Mutation, error)) (stateid.ID, error) {
	return s.group0.mutate(ctx, name, func(*Operation) (group0.Change, string, error) {
		muts, err := planner()
		if err != nil || len(muts) == 0 {
			return nil, "", err
		}
		raw, err := catalog.EncodeMutations(muts)
		if err != nil {
			return nil, "", err
		}
		return group0.SchemaChange{Mutations: raw}, description, nil
	})
}

// CreateKeyspace creates ks. With ifNotExists an existing keyspace is left as
// is and the nil state id is returned.
func (s *Schema) CreateKeyspace(ctx context.Context, ks catalog.Keyspace, ifNotExists bool) (stateid.ID, error) {
	return s.plan(ctx, "CreateKeyspace", "CREATE KEYSPACE "+ks.Name, func() ([]catalog.Mutation, error) {
		return s.catalog.PlanCreateKeyspace(ks, ifNotExists)
	})
}

// DropKeyspace drops a keyspace with its tables and types.
func (s *Schema) DropKeyspace(ctx context.Context, name string, ifExists bool) (stateid.ID, error) {
	return s.plan(ctx, "DropKeyspace", "DROP KEYSPACE "+name, func() ([]catalog.Mutation, error) {
		return s.catalog.PlanDropKeyspace(name, ifExists)
	})
}

// CreateTable creates t.
func (s *Schema) CreateTable(ctx context.Context, t catalog.Table, ifNotExists bool) (stateid.ID, error) {
	return s.plan(ctx, "CreateTable", fmt.Sprintf("CREATE TABLE %s.%s", t.Keyspace, t.Name), func() ([]catalog.Mutation, error) {
		return s.catalog.PlanCreateTable(t, ifNotExists)
	})
}

// DropTable drops a table.
func (s *Schema) DropTable(ctx context.Context, ks, name string, ifExists bool) (stateid.ID, error) {
	return s.plan(ctx, "DropTable", fmt.Sprintf("DROP TABLE %s.%s", ks, name), func() ([]catalog.Mutation, error) {
		return s.catalog.PlanDropTable(ks, name, ifExists)
	})
}

// CreateType creates a user-defined type.
func (s *Schema) CreateType(ctx context.Context, t catalog.UserType, ifNotExists bool) (stateid.ID, error) {
	return s.plan(ctx, "CreateType", fmt.Sprintf("CREATE TYPE %s.%s", t.Keyspace, t.Name), func() ([]catalog.Mutation, error) {
		return s.catalog.PlanCreateType(t, ifNotExists)
	})
}

// DropType drops a user-defined type.
func (s *Schema) DropType(ctx context.Context, ks, name string, ifExists bool) (stateid.ID, error) {
	return s.plan(ctx, "DropType", fmt.Sprintf("DROP TYPE %s.%s", ks, name), func() ([]catalog.Mutation, error) {
		return s.catalog.PlanDropType(ks, name, ifExists)
	})
}

// Keyspaces lists the keyspaces known to this replica.
func (s *Schema) Keyspaces() ([]catalog.Keyspace, error) {
	return s.catalog.Keyspaces()
}

// Describe returns a keyspace with its tables and types as seen by this
// replica.
func (s *Schema) Describe(name string) (KeyspaceDescription, error) {
	ks, err := s.catalog.Keyspace(name)
	if err != nil {
		return KeyspaceDescription{}, err
	}
	tables, err := s.catalog.Tables(name)
	if err != nil {
		return KeyspaceDescription{}, err
	}
	types, err := s.catalog.Types(name)
	if err != nil {
		return KeyspaceDescription{}, err
	}
	return KeyspaceDescription{Keyspace: ks, Tables: tables, Types: types}, nil
}
