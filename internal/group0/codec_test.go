package group0

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	y := idAt(time.Minute)
	retention := 30 * time.Second
	withGC, err := NewHistoryAppend(y, "gc", &retention)
	if err != nil {
		t.Fatalf("NewHistoryAppend() error = %v", err)
	}

	tests := []struct {
		name string
		cmd  Command
	}{
		{"schema change with prev and creator", schemaCommand(t, ptr(idAt(0)), y, "ks=1", "tbl=2")},
		{"empty schema change", schemaCommand(t, nil, y)},
		{"broadcast query without prev", broadcastCommand(t, y, "key=value")},
		{
			name: "history append carrying gc",
			cmd: Command{
				Change:        SchemaChange{},
				HistoryAppend: withGC,
				PrevStateID:   ptr(idAt(0)),
				NewStateID:    y,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.cmd) {
				t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", tt.cmd, got)
			}
		})
	}
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	cmd := schemaCommand(t, nil, idAt(time.Second), "a=b")
	raw, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Fields a newer proposer might add.
	raw = protowire.AppendTag(raw, 40, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 7)
	raw = protowire.AppendTag(raw, 41, protowire.BytesType)
	raw = protowire.AppendString(raw, "future")

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, cmd) {
		t.Fatalf("want %+v, got %+v", cmd, got)
	}
}

func TestDecode_RejectsMalformedCommands(t *testing.T) {
	y := idAt(time.Second)
	valid, err := Encode(schemaCommand(t, nil, y, "a=b"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	history := protowire.AppendTag(nil, fieldHistoryAppend, protowire.BytesType)
	history = protowire.AppendBytes(history, encodeHistoryAppend(HistoryAppend{StateID: y}))
	newID := protowire.AppendTag(nil, fieldNewStateID, protowire.BytesType)
	newID = protowire.AppendBytes(newID, y[:])
	schema := protowire.AppendTag(nil, fieldSchemaChange, protowire.BytesType)
	schema = protowire.AppendBytes(schema, nil)
	broadcast := protowire.AppendTag(nil, fieldBroadcast, protowire.BytesType)
	broadcast = protowire.AppendBytes(broadcast, nil)

	otherHistory := protowire.AppendTag(nil, fieldHistoryAppend, protowire.BytesType)
	otherHistory = protowire.AppendBytes(otherHistory, encodeHistoryAppend(HistoryAppend{StateID: idAt(2 * time.Second)}))

	join := func(parts ...[]byte) []byte {
		var out []byte
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated", valid[:len(valid)-3]},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"missing change", join(history, newID)},
		{"two changes", join(schema, broadcast, history, newID)},
		{"missing history append", join(schema, newID)},
		{"missing new state id", join(schema, history)},
		{"history for another state", join(schema, otherHistory, newID)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestEncode_RejectsUndecodableCommands(t *testing.T) {
	y := idAt(time.Second)
	mismatched := schemaCommand(t, nil, y, "a=b")
	mismatched.HistoryAppend.StateID = idAt(2 * time.Second)

	tests := []struct {
		name string
		cmd  Command
	}{
		{"no change", Command{HistoryAppend: HistoryAppend{StateID: y}, NewStateID: y}},
		{"no new state id", Command{Change: SchemaChange{}}},
		{"zero history append", Command{Change: SchemaChange{Mutations: [][]byte{[]byte("a=b")}}, NewStateID: y}},
		{"history for another state", mismatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if raw, err := Encode(tt.cmd); err == nil {
				t.Fatalf("Encode() = %d bytes, want error", len(raw))
			}
		})
	}
}

func TestDecode_RejectsKnownFieldWithWrongWireType(t *testing.T) {
	y := idAt(time.Second)
	valid, err := Encode(broadcastCommand(t, y, "k=v"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	raw := protowire.AppendTag(append([]byte(nil), valid...), fieldCreatorAddr, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 1)
	if _, err := Decode(raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for a varint creator_addr, got %v", err)
	}

	var history []byte
	history = protowire.AppendTag(history, fieldHistoryStateID, protowire.BytesType)
	history = protowire.AppendBytes(history, y[:])
	history = protowire.AppendTag(history, fieldHistoryGCBefore, protowire.Fixed64Type)
	history = protowire.AppendFixed64(history, 9)
	if _, err := decodeHistoryAppend(history); err == nil {
		t.Fatalf("expected an error for a fixed64 gc_before")
	}
}

func TestChangeKind(t *testing.T) {
	if got := ChangeKind(SchemaChange{}); got != "schema" {
		t.Fatalf("want schema, got %q", got)
	}
	if got := ChangeKind(BroadcastQuery{}); got != "broadcast" {
		t.Fatalf("want broadcast, got %q", got)
	}
	if got := ChangeKind(nil); got != "unknown" {
		t.Fatalf("want unknown, got %q", got)
	}
}
