package group0

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Snapshot stream layout:
//
//	magic    8 bytes  "G0SNAP\x00\x01"
//	header   varint length + { 1: snapshot id, 2: state id, 3: taken_at unix nanos }
//	records  varint length + { 1: key, 2: value }, repeated
//	end      varint 0
//	trailer  8 bytes big-endian xxhash64 of everything before it
var snapshotMagic = []byte("G0SNAP\x00\x01")

const maxSnapshotFrame = 64 << 20

const (
	fieldSnapID      protowire.Number = 1
	fieldSnapStateID protowire.Number = 2
	fieldSnapTakenAt protowire.Number = 3

	fieldRecordKey   protowire.Number = 1
	fieldRecordValue protowire.Number = 2
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// snapshotWriter frames records onto w and keeps a running checksum.
type snapshotWriter struct {
	out    *countingWriter
	bw     *bufio.Writer
	digest *xxhash.Digest
	frame  []byte
}

func newSnapshotWriter(w io.Writer, desc SnapshotDescriptor) (*snapshotWriter, error) {
	out := &countingWriter{w: w}
	digest := xxhash.New()
	sw := &snapshotWriter{
		out:    out,
		bw:     bufio.NewWriterSize(io.MultiWriter(out, digest), 64<<10),
		digest: digest,
	}
	if _, err := sw.bw.Write(snapshotMagic); err != nil {
		return nil, err
	}

	var hdr []byte
	hdr = protowire.AppendTag(hdr, fieldSnapID, protowire.BytesType)
	hdr = protowire.AppendString(hdr, string(desc.ID))
	hdr = protowire.AppendTag(hdr, fieldSnapStateID, protowire.BytesType)
	hdr = protowire.AppendBytes(hdr, desc.StateID[:])
	hdr = protowire.AppendTag(hdr, fieldSnapTakenAt, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(desc.TakenAt.UnixNano()))
	if err := sw.writeFrame(hdr); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *snapshotWriter) writeFrame(payload []byte) error {
	sw.frame = protowire.AppendBytes(sw.frame[:0], payload)
	_, err := sw.bw.Write(sw.frame)
	return err
}

func (sw *snapshotWriter) writeRecord(key, value []byte) error {
	rec := make([]byte, 0, len(key)+len(value)+8)
	rec = protowire.AppendTag(rec, fieldRecordKey, protowire.BytesType)
	rec = protowire.AppendBytes(rec, key)
	rec = protowire.AppendTag(rec, fieldRecordValue, protowire.BytesType)
	rec = protowire.AppendBytes(rec, value)
	return sw.writeFrame(rec)
}

// finish writes the end marker and the checksum trailer and returns the total
// number of bytes written.
func (sw *snapshotWriter) finish() (int64, error) {
	if _, err := sw.bw.Write(protowire.AppendVarint(nil, 0)); err != nil {
		return sw.out.n, err
	}
	if err := sw.bw.Flush(); err != nil {
		return sw.out.n, err
	}
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], sw.digest.Sum64())
	if _, err := sw.out.Write(trailer[:]); err != nil {
		return sw.out.n, err
	}
	return sw.out.n, nil
}

// hashingReader feeds every consumed byte into a digest.
type hashingReader struct {
	r      *bufio.Reader
	digest *xxhash.Digest
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	_, _ = h.digest.Write(p[:n])
	return n, err
}

func (h *hashingReader) ReadByte() (byte, error) {
	c, err := h.r.ReadByte()
	if err == nil {
		_, _ = h.digest.Write([]byte{c})
	}
	return c, err
}

// readSnapshotStream parses and verifies a snapshot stream. fn, when non-nil,
// is called for every record before the checksum is verified; callers that
// act on records must discard their work when an error is returned.
func readSnapshotStream(r io.Reader, fn func(key, value []byte) error) (SnapshotDescriptor, error) {
	hr := &hashingReader{r: bufio.NewReaderSize(r, 64<<10), digest: xxhash.New()}

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(hr, magic); err != nil {
		return SnapshotDescriptor{}, corrupt("read magic: %v", err)
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return SnapshotDescriptor{}, corrupt("bad magic %q", magic)
	}

	hdr, err := readFrame(hr)
	if err != nil {
		return SnapshotDescriptor{}, err
	}
	desc, err := decodeSnapshotHeader(hdr)
	if err != nil {
		return SnapshotDescriptor{}, err
	}

	for {
		rec, err := readFrame(hr)
		if err != nil {
			return SnapshotDescriptor{}, err
		}
		if len(rec) == 0 {
			break
		}
		if fn == nil {
			continue
		}
		key, value, err := decodeSnapshotRecord(rec)
		if err != nil {
			return SnapshotDescriptor{}, err
		}
		if err := fn(key, value); err != nil {
			return SnapshotDescriptor{}, err
		}
	}

	sum := hr.digest.Sum64()
	var trailer [8]byte
	if _, err := io.ReadFull(hr.r, trailer[:]); err != nil {
		return SnapshotDescriptor{}, corrupt("read trailer: %v", err)
	}
	if got := binary.BigEndian.Uint64(trailer[:]); got != sum {
		return SnapshotDescriptor{}, corrupt("checksum mismatch: stream %x, computed %x", got, sum)
	}
	return desc, nil
}

func readFrame(hr *hashingReader) ([]byte, error) {
	n, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, corrupt("read frame length: %v", err)
	}
	if n > maxSnapshotFrame {
		return nil, corrupt("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(hr, buf); err != nil {
		return nil, corrupt("read frame: %v", err)
	}
	return buf, nil
}

func decodeSnapshotHeader(b []byte) (SnapshotDescriptor, error) {
	var desc SnapshotDescriptor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return desc, corrupt("header: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSnapID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return desc, corrupt("header id: %v", protowire.ParseError(m))
			}
			desc.ID = SnapshotID(v)
			b = b[m:]
		case num == fieldSnapStateID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return desc, corrupt("header state id: %v", protowire.ParseError(m))
			}
			id, err := stateid.FromBytes(v)
			if err != nil {
				return desc, corrupt("header state id: %v", err)
			}
			desc.StateID = id
			b = b[m:]
		case num == fieldSnapTakenAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return desc, corrupt("header taken_at: %v", protowire.ParseError(m))
			}
			desc.TakenAt = time.Unix(0, int64(v)).UTC()
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return desc, corrupt("header: %v", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if desc.ID == "" {
		return desc, corrupt("header without snapshot id")
	}
	if err := validSnapshotID(desc.ID); err != nil {
		return desc, corrupt("header: %v", err)
	}
	return desc, nil
}

// validSnapshotID accepts only the canonical uuid form this package
// generates. Received ids name files under the snapshot dir.
func validSnapshotID(id SnapshotID) error {
	u, err := uuid.Parse(string(id))
	if err != nil || u.String() != string(id) {
		return fmt.Errorf("snapshot id %q is not a canonical uuid", id)
	}
	return nil
}

func decodeSnapshotRecord(b []byte) (key, value []byte, err error) {
	err = walkFields(b, fieldRecordValue, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldRecordKey:
			key = v
		case fieldRecordValue:
			value = v
		}
		return nil
	})
	if err != nil {
		return nil, nil, corrupt("record: %v", err)
	}
	if len(key) == 0 {
		return nil, nil, corrupt("record without key")
	}
	return key, value, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSnapshotCorrupt, fmt.Sprintf(format, args...))
}

// isCorrupt reports whether err came from stream validation.
func isCorrupt(err error) bool { return errors.Is(err, ErrSnapshotCorrupt) }
