package broadcast

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// Logger is the logging interface required by Store.
type Logger interface {
	Debug(msg string, args ...any)
}

var valuesPrefix = storage.Key(storage.Root, []byte("broadcast/"))

func valueKey(key string) []byte {
	return storage.Key(valuesPrefix, []byte(key))
}

// Store is the broadcast key/value table. Writes happen only through
// ApplyBroadcastQuery inside the state machine's batch.
type Store struct {
	store  storage.Reader
	logger Logger
	tracer oteltrace.Tracer
}

// NewStore returns a table reading committed values from store.
func NewStore(store storage.Reader, logger Logger, tracer oteltrace.Tracer) *Store {
	return &Store{store: store, logger: logger, tracer: tracer}
}

// Get returns the locally committed value for key. The read is not
// linearizable: the replica may lag the leader.
func (s *Store) Get(key string) (string, bool, error) {
	v, ok, err := s.store.Get(valueKey(key))
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

// ApplyBroadcastQuery runs one query against rw and returns its encoded
// Result. Conditions are evaluated here, at apply time, so every replica
// reaches the same decision.
func (s *Store) ApplyBroadcastQuery(ctx context.Context, rw storage.ReadWriter, raw []byte, id stateid.ID) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "broadcast.store.Apply", oteltrace.WithAttributes(
		attribute.Int("broadcast.query.bytes", len(raw)),
		attribute.String("group0.state_id", id.String()),
	))
	defer span.End()

	res, err := s.apply(rw, raw)
	if err == nil {
		var out []byte
		out, err = res.Encode()
		if err == nil {
			s.logger.Debug("broadcast query applied", "state_id", id.String(), "kind", res.Kind, "applied", res.Applied)
			return out, nil
		}
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return nil, err
}

func (s *Store) apply(rw storage.ReadWriter, raw []byte) (Result, error) {
	q, err := DecodeQuery(raw)
	if err != nil {
		return Result{}, err
	}
	cur, found, err := rw.Get(valueKey(q.Key))
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: read %q: %w", q.Key, err)
	}

	switch q.Kind {
	case SelectQuery:
		return Result{Kind: SelectResult, Value: string(cur), Found: found}, nil
	case UpdateQuery:
		if q.Condition != nil {
			res := Result{Kind: ConditionalUpdateResult, Found: found, Previous: string(cur)}
			if !found || string(cur) != *q.Condition {
				return res, nil
			}
			res.Applied = true
			return res, rw.Set(valueKey(q.Key), []byte(q.NewValue))
		}
		return Result{Kind: NoneResult, Found: found}, rw.Set(valueKey(q.Key), []byte(q.NewValue))
	}
	return Result{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedQuery, q.Kind)
}
