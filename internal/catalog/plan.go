package catalog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// The Plan* helpers run on the proposer. They check a request against the
// committed catalog and return the deltas that implement it. An empty result
// means the request is already satisfied (IF NOT EXISTS / IF EXISTS).

var typeKeywords = map[string]bool{"list": true, "set": true, "map": true, "frozen": true, "tuple": true}

// PlanCreateKeyspace returns the deltas creating ks.
func (c *Catalog) PlanCreateKeyspace(ks Keyspace, ifNotExists bool) ([]Mutation, error) {
	if !validIdent(ks.Name) {
		return nil, fmt.Errorf("%w: keyspace name %q", ErrInvalidDefinition, ks.Name)
	}
	if _, err := c.Keyspace(ks.Name); err == nil {
		if ifNotExists {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyspaceExists, ks.Name)
	} else if !IsNotFound(err) {
		return nil, err
	}
	return []Mutation{{Op: OpUpsertKeyspace, Keyspace: &ks}}, nil
}

// PlanDropKeyspace returns the deltas dropping a keyspace with all its tables and types.
func (c *Catalog) PlanDropKeyspace(name string, ifExists bool) ([]Mutation, error) {
	if _, err := c.Keyspace(name); err != nil {
		if IsNotFound(err) && ifExists {
			return nil, nil
		}
		return nil, err
	}
	return []Mutation{{Op: OpDropKeyspace, Target: Ref{Keyspace: name}}}, nil
}

// PlanCreateTable returns the deltas creating t. A table without an id gets a
// fresh one.
func (c *Catalog) PlanCreateTable(t Table, ifNotExists bool) ([]Mutation, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := validateTableShape(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if _, err := c.Keyspace(t.Keyspace); err != nil {
		return nil, err
	}
	if _, err := c.Table(t.Keyspace, t.Name); err == nil {
		if ifNotExists {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrTableExists, t.Keyspace, t.Name)
	} else if !IsNotFound(err) {
		return nil, err
	}
	for _, col := range t.Columns {
		if err := c.checkTypeExpr(t.Keyspace, col.Type); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
	}
	return []Mutation{{Op: OpUpsertTable, Table: &t}}, nil
}

// PlanDropTable returns the deltas dropping a table.
func (c *Catalog) PlanDropTable(ks, name string, ifExists bool) ([]Mutation, error) {
	if _, err := c.Table(ks, name); err != nil {
		if IsNotFound(err) && ifExists {
			return nil, nil
		}
		return nil, err
	}
	return []Mutation{{Op: OpDropTable, Target: Ref{Keyspace: ks, Name: name}}}, nil
}

// PlanCreateType returns the deltas creating a user-defined type.
func (c *Catalog) PlanCreateType(t UserType, ifNotExists bool) ([]Mutation, error) {
	if !validIdent(t.Keyspace) || !validIdent(t.Name) {
		return nil, fmt.Errorf("%w: type name %q.%q", ErrInvalidDefinition, t.Keyspace, t.Name)
	}
	if nativeTypes[t.Name] || typeKeywords[t.Name] {
		return nil, fmt.Errorf("%w: %q is a reserved type name", ErrInvalidDefinition, t.Name)
	}
	if len(t.Fields) == 0 {
		return nil, fmt.Errorf("%w: type %s.%s has no fields", ErrInvalidDefinition, t.Keyspace, t.Name)
	}
	if _, err := c.Keyspace(t.Keyspace); err != nil {
		return nil, err
	}
	if _, err := c.Type(t.Keyspace, t.Name); err == nil {
		if ifNotExists {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrTypeExists, t.Keyspace, t.Name)
	} else if !IsNotFound(err) {
		return nil, err
	}

	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if !validIdent(f.Name) || seen[f.Name] {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidDefinition, f.Name)
		}
		seen[f.Name] = true
		if err := c.checkTypeExpr(t.Keyspace, f.Type); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return []Mutation{{Op: OpUpsertType, Type: &t}}, nil
}

// PlanDropType returns the deltas dropping a user-defined type. A type still
// referenced by a table or another type cannot be dropped.
func (c *Catalog) PlanDropType(ks, name string, ifExists bool) ([]Mutation, error) {
	if _, err := c.Type(ks, name); err != nil {
		if IsNotFound(err) && ifExists {
			return nil, nil
		}
		return nil, err
	}

	tables, err := c.Tables(ks)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		for _, col := range t.Columns {
			if references(col.Type, name) {
				return nil, fmt.Errorf("%w: %s.%s used by %s.%s", ErrTypeInUse, ks, name, t.Name, col.Name)
			}
		}
	}
	types, err := c.Types(ks)
	if err != nil {
		return nil, err
	}
	for _, ut := range types {
		for _, f := range ut.Fields {
			if ut.Name != name && references(f.Type, name) {
				return nil, fmt.Errorf("%w: %s.%s used by type %s", ErrTypeInUse, ks, name, ut.Name)
			}
		}
	}
	return []Mutation{{Op: OpDropType, Target: Ref{Keyspace: ks, Name: name}}}, nil
}

// checkTypeExpr accepts native types, collections and user types of ks.
func (c *Catalog) checkTypeExpr(ks, expr string) error {
	tokens := typeTokens(expr)
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty type", ErrInvalidDefinition)
	}
	for _, tok := range tokens {
		if nativeTypes[tok] || typeKeywords[tok] {
			continue
		}
		if _, err := c.Type(ks, tok); err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%w: unknown type %q", ErrInvalidDefinition, tok)
			}
			return err
		}
	}
	return nil
}

func typeTokens(expr string) []string {
	return strings.FieldsFunc(strings.ToLower(expr), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func references(expr, name string) bool {
	for _, tok := range typeTokens(expr) {
		if tok == strings.ToLower(name) {
			return true
		}
	}
	return false
}
