// Package broadcast implements the generic key/value table replicated through
// group zero broadcast queries.
package broadcast

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedQuery is returned for a query or result that cannot be decoded.
var ErrMalformedQuery = errors.New("broadcast: malformed query")

// QueryKind identifies a broadcast query.
type QueryKind string

// Supported queries.
const (
	SelectQuery QueryKind = "select"
	UpdateQuery QueryKind = "update"
)

// Query is one read or write against the broadcast table.
type Query struct {
	Kind     QueryKind `msgpack:"kind"`
	Key      string    `msgpack:"key"`
	NewValue string    `msgpack:"new_value,omitempty"`
	// Condition, when set, makes an update a compare-and-set against the
	// current value.
	Condition *string `msgpack:"condition,omitempty"`
}

// Select returns a query reading key.
func Select(key string) Query {
	return Query{Kind: SelectQuery, Key: key}
}

// Update returns a query writing value to key. A non-nil condition must
// match the current value for the write to take effect.
func Update(key, value string, condition *string) Query {
	return Query{Kind: UpdateQuery, Key: key, NewValue: value, Condition: condition}
}

// Encode serializes q for a broadcast command.
func (q Query) Encode() ([]byte, error) {
	return msgpack.Marshal(q)
}

// DecodeQuery parses and validates a broadcast query.
func DecodeQuery(raw []byte) (Query, error) {
	var q Query
	if err := msgpack.Unmarshal(raw, &q); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	switch q.Kind {
	case SelectQuery, UpdateQuery:
	default:
		return Query{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedQuery, q.Kind)
	}
	if q.Key == "" {
		return Query{}, fmt.Errorf("%w: empty key", ErrMalformedQuery)
	}
	return q, nil
}

// ResultKind identifies the shape of a query result.
type ResultKind string

// Result kinds.
const (
	NoneResult              ResultKind = "none"
	SelectResult            ResultKind = "select"
	ConditionalUpdateResult ResultKind = "conditional_update"
)

// Result is what an applied query returns to its proposer.
type Result struct {
	Kind ResultKind `msgpack:"kind"`
	// Value is the selected value.
	Value string `msgpack:"value,omitempty"`
	// Found reports whether the key existed before the query ran.
	Found bool `msgpack:"found"`
	// Applied reports whether a conditional update took effect.
	Applied bool `msgpack:"applied"`
	// Previous is the value seen by a conditional update.
	Previous string `msgpack:"previous,omitempty"`
}

// Encode serializes r.
func (r Result) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeResult parses a query result.
func DecodeResult(raw []byte) (Result, error) {
	var r Result
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("%w: result: %v", ErrMalformedQuery, err)
	}
	return r, nil
}
