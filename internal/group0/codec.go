package group0

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Wire layout of a command (protobuf encoding, hand-maintained field numbers).
// Field numbers are never reused. Decoders skip fields they do not know so
// replicas on adjacent versions keep interpreting each other's entries.
//
//	message Command {
//	  oneof change {
//	    SchemaChange   schema_change   = 1;
//	    BroadcastQuery broadcast_query = 2;
//	  }
//	  HistoryAppend history_append = 3;
//	  bytes  prev_state_id = 4;
//	  bytes  new_state_id  = 5;
//	  string creator_addr  = 6;
//	  string creator_id    = 7;
//	}
//	message SchemaChange   { repeated bytes mutations = 1; }
//	message BroadcastQuery { bytes query = 1; }
//	message HistoryAppend  { bytes state_id = 1; string description = 2; bytes gc_before = 3; }
const (
	fieldSchemaChange  protowire.Number = 1
	fieldBroadcast     protowire.Number = 2
	fieldHistoryAppend protowire.Number = 3
	fieldPrevStateID   protowire.Number = 4
	fieldNewStateID    protowire.Number = 5
	fieldCreatorAddr   protowire.Number = 6
	fieldCreatorID     protowire.Number = 7

	fieldSchemaMutation protowire.Number = 1
	fieldBroadcastQuery protowire.Number = 1

	fieldHistoryStateID     protowire.Number = 1
	fieldHistoryDescription protowire.Number = 2
	fieldHistoryGCBefore    protowire.Number = 3
)

// Encode serializes cmd into a log entry payload.
func Encode(cmd Command) ([]byte, error) {
	if cmd.Change == nil {
		return nil, fmt.Errorf("group0: encode: command has no change")
	}
	if cmd.NewStateID.IsNil() {
		return nil, fmt.Errorf("group0: encode: command has no new state id")
	}
	if cmd.HistoryAppend.StateID != cmd.NewStateID {
		return nil, fmt.Errorf("group0: encode: history_append state id %s does not match new_state_id %s",
			cmd.HistoryAppend.StateID, cmd.NewStateID)
	}

	enc := changeEncoder{}
	if err := cmd.Change.accept(&enc); err != nil {
		return nil, err
	}
	b := enc.buf

	b = protowire.AppendTag(b, fieldHistoryAppend, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeHistoryAppend(cmd.HistoryAppend))

	if cmd.PrevStateID != nil {
		b = protowire.AppendTag(b, fieldPrevStateID, protowire.BytesType)
		b = protowire.AppendBytes(b, cmd.PrevStateID[:])
	}
	b = protowire.AppendTag(b, fieldNewStateID, protowire.BytesType)
	b = protowire.AppendBytes(b, cmd.NewStateID[:])

	if cmd.Creator.Addr != "" {
		b = protowire.AppendTag(b, fieldCreatorAddr, protowire.BytesType)
		b = protowire.AppendString(b, cmd.Creator.Addr)
	}
	if cmd.Creator.ID != "" {
		b = protowire.AppendTag(b, fieldCreatorID, protowire.BytesType)
		b = protowire.AppendString(b, cmd.Creator.ID)
	}
	return b, nil
}

type changeEncoder struct {
	buf []byte
}

func (e *changeEncoder) visitSchemaChange(c SchemaChange) error {
	var inner []byte
	for _, m := range c.Mutations {
		inner = protowire.AppendTag(inner, fieldSchemaMutation, protowire.BytesType)
		inner = protowire.AppendBytes(inner, m)
	}
	e.buf = protowire.AppendTag(e.buf, fieldSchemaChange, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner)
	return nil
}

func (e *changeEncoder) visitBroadcastQuery(c BroadcastQuery) error {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldBroadcastQuery, protowire.BytesType)
	inner = protowire.AppendBytes(inner, c.Query)
	e.buf = protowire.AppendTag(e.buf, fieldBroadcast, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner)
	return nil
}

func encodeHistoryAppend(h HistoryAppend) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHistoryStateID, protowire.BytesType)
	b = protowire.AppendBytes(b, h.StateID[:])
	if h.Description != "" {
		b = protowire.AppendTag(b, fieldHistoryDescription, protowire.BytesType)
		b = protowire.AppendString(b, h.Description)
	}
	if !h.GCBefore.IsNil() {
		b = protowire.AppendTag(b, fieldHistoryGCBefore, protowire.BytesType)
		b = protowire.AppendBytes(b, h.GCBefore[:])
	}
	return b
}

// Decode parses a log entry payload. Any failure wraps ErrDecode.
func Decode(raw []byte) (Command, error) {
	var (
		cmd        Command
		hasHistory bool
		hasNewID   bool
		changes    int
	)

	err := walkFields(raw, fieldCreatorID, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldSchemaChange:
			sc, err := decodeSchemaChange(v)
			if err != nil {
				return err
			}
			cmd.Change = sc
			changes++
		case fieldBroadcast:
			bq, err := decodeBroadcastQuery(v)
			if err != nil {
				return err
			}
			cmd.Change = bq
			changes++
		case fieldHistoryAppend:
			h, err := decodeHistoryAppend(v)
			if err != nil {
				return err
			}
			cmd.HistoryAppend = h
			hasHistory = true
		case fieldPrevStateID:
			id, err := stateid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("prev_state_id: %w", err)
			}
			cmd.PrevStateID = &id
		case fieldNewStateID:
			id, err := stateid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("new_state_id: %w", err)
			}
			cmd.NewStateID = id
			hasNewID = true
		case fieldCreatorAddr:
			cmd.Creator.Addr = string(v)
		case fieldCreatorID:
			cmd.Creator.ID = string(v)
		}
		return nil
	})
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch {
	case changes != 1:
		return Command{}, fmt.Errorf("%w: expected exactly one change, found %d", ErrDecode, changes)
	case !hasHistory:
		return Command{}, fmt.Errorf("%w: missing history_append", ErrDecode)
	case !hasNewID || cmd.NewStateID.IsNil():
		return Command{}, fmt.Errorf("%w: missing new_state_id", ErrDecode)
	case cmd.HistoryAppend.StateID != cmd.NewStateID:
		return Command{}, fmt.Errorf("%w: history_append state id %s does not match new_state_id %s",
			ErrDecode, cmd.HistoryAppend.StateID, cmd.NewStateID)
	}
	return cmd, nil
}

func decodeSchemaChange(raw []byte) (SchemaChange, error) {
	var sc SchemaChange
	err := walkFields(raw, fieldSchemaMutation, func(num protowire.Number, v []byte) error {
		if num == fieldSchemaMutation {
			sc.Mutations = append(sc.Mutations, append([]byte(nil), v...))
		}
		return nil
	})
	return sc, err
}

func decodeBroadcastQuery(raw []byte) (BroadcastQuery, error) {
	var bq BroadcastQuery
	err := walkFields(raw, fieldBroadcastQuery, func(num protowire.Number, v []byte) error {
		if num == fieldBroadcastQuery {
			bq.Query = append([]byte(nil), v...)
		}
		return nil
	})
	return bq, err
}

func decodeHistoryAppend(raw []byte) (HistoryAppend, error) {
	var h HistoryAppend
	err := walkFields(raw, fieldHistoryGCBefore, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case fieldHistoryStateID:
			h.StateID, err = stateid.FromBytes(v)
		case fieldHistoryDescription:
			h.Description = string(v)
		case fieldHistoryGCBefore:
			h.GCBefore, err = stateid.FromBytes(v)
		}
		return err
	})
	return h, err
}

// walkFields calls fn for every length-delimited field in raw and skips
// unknown fields of any other wire type. Field numbers 1..maxKnown always use
// BytesType, so a known number with another type is rejected.
func walkFields(raw []byte, maxKnown protowire.Number, fn func(num protowire.Number, v []byte) error) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return protowire.ParseError(n)
		}
		raw = raw[n:]

		if typ != protowire.BytesType {
			if num >= 1 && num <= maxKnown {
				return fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
			}
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return protowire.ParseError(m)
			}
			raw = raw[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(raw)
		if m < 0 {
			return protowire.ParseError(m)
		}
		raw = raw[m:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
