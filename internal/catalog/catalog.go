package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// Logger is the logging interface required by Catalog.
type Logger interface {
	Debug(msg string, args ...any)
}

var schemaPrefix = storage.Key(storage.Root, []byte("schema/"))

func keyspacePrefix(ks string) []byte {
	return storage.Key(schemaPrefix, []byte(ks), []byte("/"))
}

func keyspaceKey(ks string) []byte {
	return storage.Key(keyspacePrefix(ks), []byte("keyspace"))
}

func tablesPrefix(ks string) []byte {
	return storage.Key(keyspacePrefix(ks), []byte("table/"))
}

func tableKey(ks, name string) []byte {
	return storage.Key(tablesPrefix(ks), []byte(name))
}

func typesPrefix(ks string) []byte {
	return storage.Key(keyspacePrefix(ks), []byte("type/"))
}

func typeKey(ks, name string) []byte {
	return storage.Key(typesPrefix(ks), []byte(name))
}

// Catalog reads schema definitions from the replicated store and applies
// schema deltas committed by the state machine.
type Catalog struct {
	store  storage.Reader
	logger Logger
	tracer oteltrace.Tracer
}

// New returns a catalog reading committed definitions from store.
func New(store storage.Reader, logger Logger, tracer oteltrace.Tracer) *Catalog {
	return &Catalog{store: store, logger: logger, tracer: tracer}
}

// ApplySchemaMutations validates and stages every delta into rw. Any invalid
// delta fails the whole change.
func (c *Catalog) ApplySchemaMutations(ctx context.Context, rw storage.ReadWriter, mutations [][]byte) error {
	_, span := c.tracer.Start(ctx, "catalog.ApplySchemaMutations", oteltrace.WithAttributes(attribute.Int("catalog.mutations", len(mutations))))
	defer span.End()

	for i, raw := range mutations {
		m, err := DecodeMutation(raw)
		if err == nil {
			err = m.validate()
		}
		if err == nil {
			err = apply(rw, m)
		}
		if err != nil {
			err = fmt.Errorf("catalog: mutation %d: %w", i, err)
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			return err
		}
		c.logger.Debug("catalog mutation staged", "op", m.Op, "keyspace", mutationKeyspace(m))
	}
	return nil
}

func apply(rw storage.ReadWriter, m Mutation) error {
	switch m.Op {
	case OpUpsertKeyspace:
		return put(rw, keyspaceKey(m.Keyspace.Name), m.Keyspace)
	case OpDropKeyspace:
		p := keyspacePrefix(m.Target.Keyspace)
		return rw.DeleteRange(p, storage.PrefixEnd(p))
	case OpUpsertTable:
		if err := requireKeyspace(rw, m.Table.Keyspace); err != nil {
			return err
		}
		return put(rw, tableKey(m.Table.Keyspace, m.Table.Name), m.Table)
	case OpDropTable:
		return rw.Delete(tableKey(m.Target.Keyspace, m.Target.Name))
	case OpUpsertType:
		if err := requireKeyspace(rw, m.Type.Keyspace); err != nil {
			return err
		}
		return put(rw, typeKey(m.Type.Keyspace, m.Type.Name), m.Type)
	case OpDropType:
		return rw.Delete(typeKey(m.Target.Keyspace, m.Target.Name))
	}
	return fmt.Errorf("%w: unknown op %q", ErrMalformedMutation, m.Op)
}

func requireKeyspace(r storage.Reader, ks string) error {
	_, ok, err := r.Get(keyspaceKey(ks))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyspaceNotFound, ks)
	}
	return nil
}

func mutationKeyspace(m Mutation) string {
	switch {
	case m.Keyspace != nil:
		return m.Keyspace.Name
	case m.Table != nil:
		return m.Table.Keyspace
	case m.Type != nil:
		return m.Type.Keyspace
	}
	return m.Target.Keyspace
}

func put(w storage.Writer, key []byte, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("catalog: encode %s: %w", key, err)
	}
	return w.Set(key, raw)
}

func getInto(r storage.Reader, key []byte, v any) (bool, error) {
	raw, ok, err := r.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("catalog: decode %s: %w", key, err)
	}
	return true, nil
}

func scanInto[T any](r storage.Reader, prefix []byte) ([]T, error) {
	var out []T
	err := r.Scan(prefix, storage.PrefixEnd(prefix), func(k, v []byte) error {
		var item T
		if err := msgpack.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("catalog: decode %s: %w", k, err)
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

// Keyspaces lists every keyspace in name order.
func (c *Catalog) Keyspaces() ([]Keyspace, error) {
	var out []Keyspace
	err := c.store.Scan(schemaPrefix, storage.PrefixEnd(schemaPrefix), func(k, v []byte) error {
		rest := k[len(schemaPrefix):]
		i := bytes.IndexByte(rest, '/')
		if i < 0 || string(rest[i+1:]) != "keyspace" {
			return nil
		}
		var ks Keyspace
		if err := msgpack.Unmarshal(v, &ks); err != nil {
			return fmt.Errorf("catalog: decode %s: %w", k, err)
		}
		out = append(out, ks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Keyspace returns one keyspace definition.
func (c *Catalog) Keyspace(name string) (Keyspace, error) {
	var ks Keyspace
	ok, err := getInto(c.store, keyspaceKey(name), &ks)
	if err != nil {
		return Keyspace{}, err
	}
	if !ok {
		return Keyspace{}, fmt.Errorf("%w: %s", ErrKeyspaceNotFound, name)
	}
	return ks, nil
}

// Tables lists the tables of a keyspace in name order.
func (c *Catalog) Tables(ks string) ([]Table, error) {
	if _, err := c.Keyspace(ks); err != nil {
		return nil, err
	}
	return scanInto[Table](c.store, tablesPrefix(ks))
}

// Table returns one table definition.
func (c *Catalog) Table(ks, name string) (Table, error) {
	var t Table
	ok, err := getInto(c.store, tableKey(ks, name), &t)
	if err != nil {
		return Table{}, err
	}
	if !ok {
		return Table{}, fmt.Errorf("%w: %s.%s", ErrTableNotFound, ks, name)
	}
	return t, nil
}

// Types lists the user-defined types of a keyspace in name order.
func (c *Catalog) Types(ks string) ([]UserType, error) {
	if _, err := c.Keyspace(ks); err != nil {
		return nil, err
	}
	return scanInto[UserType](c.store, typesPrefix(ks))
}

// Type returns one user-defined type.
func (c *Catalog) Type(ks, name string) (UserType, error) {
	var t UserType
	ok, err := getInto(c.store, typeKey(ks, name), &t)
	if err != nil {
		return UserType{}, err
	}
	if !ok {
		return UserType{}, fmt.Errorf("%w: %s.%s", ErrTypeNotFound, ks, name)
	}
	return t, nil
}

// IsNotFound reports whether err is one of the catalog's not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyspaceNotFound) || errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrTypeNotFound)
}
