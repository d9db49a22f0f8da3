package group0

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

var (
	testTracer  = noop.NewTracerProvider().Tracer("test/internal/group0")
	testMetrics = noopMetrics{}
	testBase    = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
)

// kvSchema stores every mutation "k=v" under /g0/test/schema/k.
type kvSchema struct{}

func (kvSchema) ApplySchemaMutations(_ context.Context, rw storage.ReadWriter, mutations [][]byte) error {
	for _, m := range mutations {
		k, v := splitMutation(m)
		if err := rw.Set(storage.Key(storage.Root, []byte("test/schema/"), k), v); err != nil {
			return err
		}
	}
	return nil
}

// kvBroadcast stores the query under /g0/test/broadcast/ and echoes it back.
type kvBroadcast struct{}

func (kvBroadcast) ApplyBroadcastQuery(_ context.Context, rw storage.ReadWriter, query []byte, id stateid.ID) ([]byte, error) {
	k, v := splitMutation(query)
	if err := rw.Set(storage.Key(storage.Root, []byte("test/broadcast/"), k), v); err != nil {
		return nil, err
	}
	return append([]byte("applied:"), query...), nil
}

func splitMutation(m []byte) (key, value []byte) {
	for i, c := range m {
		if c == '=' {
			return m[:i], m[i+1:]
		}
	}
	return m, nil
}

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.OpenInMemory(slog.Default())
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	return newTestMachineOn(t, newTestEngine(t), kvSchema{}, kvBroadcast{})
}

func newTestMachineOn(t *testing.T, e *storage.Engine, schema SchemaApplier, broadcast BroadcastApplier) *Machine {
	t.Helper()
	m, err := New(e, schema, broadcast, slog.Default(), testTracer, testMetrics)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.NodeID = "n1"
	return m
}

// idAt returns a state id stamped base+offset.
func idAt(offset time.Duration) stateid.ID {
	return stateid.New(testBase.Add(offset), 1, [6]byte{0xa, 0xb, 0xc, 0xd, 0xe, 0xf})
}

func ptr(id stateid.ID) *stateid.ID { return &id }

func schemaCommand(t *testing.T, prev *stateid.ID, next stateid.ID, mutations ...string) Command {
	t.Helper()
	h, err := NewHistoryAppend(next, "schema change", nil)
	if err != nil {
		t.Fatalf("NewHistoryAppend() error = %v", err)
	}
	sc := SchemaChange{}
	for _, m := range mutations {
		sc.Mutations = append(sc.Mutations, []byte(m))
	}
	return Command{
		Change:        sc,
		HistoryAppend: h,
		PrevStateID:   prev,
		NewStateID:    next,
		Creator:       Creator{Addr: "127.0.0.1:7000", ID: "n1"},
	}
}

func broadcastCommand(t *testing.T, next stateid.ID, query string) Command {
	t.Helper()
	h, err := NewHistoryAppend(next, "", nil)
	if err != nil {
		t.Fatalf("NewHistoryAppend() error = %v", err)
	}
	return Command{
		Change:        BroadcastQuery{Query: []byte(query)},
		HistoryAppend: h,
		NewStateID:    next,
	}
}

func encode(t *testing.T, cmds ...Command) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(cmds))
	for _, c := range cmds {
		raw, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		out = append(out, raw)
	}
	return out
}

func mustApply(t *testing.T, m *Machine, entries [][]byte) []Outcome {
	t.Helper()
	out, err := m.Apply(context.Background(), entries)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return out
}

// dump returns every replicated key/value pair of e.
func dump(t *testing.T, r storage.Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := r.Scan(storage.Root, storage.PrefixEnd(storage.Root), func(k, v []byte) error {
		out[string(k)] = string(v)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return out
}

func schemaValue(t *testing.T, r storage.Reader, key string) (string, bool) {
	t.Helper()
	v, ok, err := r.Get(storage.Key(storage.Root, []byte("test/schema/"), []byte(key)))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return string(v), ok
}
