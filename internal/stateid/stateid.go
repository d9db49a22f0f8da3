// Package stateid implements the time-ordered identifiers that name states of
// the group 0 state machine.
//
// An ID is a version-1 (time-based) UUID. IDs are totally ordered by their
// embedded timestamp, then by clock sequence, then by node id, so two IDs
// that share a timestamp still compare deterministically on every replica.
package stateid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned when parsing a value that is not a version-1 UUID.
var ErrInvalid = errors.New("stateid: not a time-based uuid")

// gregorianOffset is the number of 100ns ticks between 1582-10-15 and the Unix epoch.
const gregorianOffset = 122192928000000000

// ID is a time-based UUID naming one state of the metadata history.
type ID [16]byte

// Nil is the empty state id, used before any command has been applied.
var Nil ID

// New builds an ID from a timestamp, clock sequence and node id.
func New(t time.Time, clockSeq uint16, node [6]byte) ID {
	return fromTicks(timeToTicks(t), clockSeq, node)
}

// MinForTime returns the smallest ID (in Compare order) carrying timestamp t.
func MinForTime(t time.Time) ID {
	return fromTicks(timeToTicks(t), 0, [6]byte{})
}

// Parse parses the canonical textual form of a version-1 UUID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("stateid: parse %q: %w", s, err)
	}
	if u.Version() != 1 {
		return Nil, fmt.Errorf("%w: %q has version %d", ErrInvalid, s, u.Version())
	}
	return ID(u), nil
}

// FromBytes converts a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Nil, fmt.Errorf("stateid: invalid length %d", len(b))
	}
	var id ID
	copy(id[:], b)
	if id != Nil && uuid.UUID(id).Version() != 1 {
		return Nil, ErrInvalid
	}
	return id, nil
}

// IsNil reports whether id is the empty state id.
func (id ID) IsNil() bool { return id == Nil }

// String returns the canonical UUID text form.
func (id ID) String() string { return uuid.UUID(id).String() }

// Bytes returns a copy of the raw 16 bytes.
func (id ID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// Time returns the timestamp embedded in id.
func (id ID) Time() time.Time {
	sec, nsec := uuid.UUID(id).Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// ticks returns the 60-bit count of 100ns intervals since 1582-10-15.
func (id ID) ticks() uint64 {
	low := uint64(binary.BigEndian.Uint32(id[0:4]))
	mid := uint64(binary.BigEndian.Uint16(id[4:6]))
	hi := uint64(binary.BigEndian.Uint16(id[6:8]) & 0x0fff)
	return hi<<48 | mid<<32 | low
}

func (id ID) clockSeq() uint16 {
	return binary.BigEndian.Uint16(id[8:10]) & 0x3fff
}

// SortKey returns a 16-byte encoding whose lexicographic byte order matches
// Compare: timestamp, clock sequence, node.
func (id ID) SortKey() []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], id.ticks())
	binary.BigEndian.PutUint16(key[8:10], id.clockSeq())
	copy(key[10:16], id[10:16])
	return key
}

// FromSortKey is the inverse of ID.SortKey.
func FromSortKey(key []byte) (ID, error) {
	if len(key) != 16 {
		return Nil, fmt.Errorf("stateid: invalid sort key length %d", len(key))
	}
	var node [6]byte
	copy(node[:], key[10:16])
	ticks := binary.BigEndian.Uint64(key[0:8])
	if ticks == 0 && binary.BigEndian.Uint16(key[8:10]) == 0 && node == [6]byte{} {
		return Nil, nil
	}
	return fromTicks(ticks, binary.BigEndian.Uint16(key[8:10]), node), nil
}

// Compare orders a and b by timestamp, then clock sequence, then node id.
// It returns -1, 0 or +1.
func Compare(a, b ID) int {
	if a == b {
		return 0
	}
	if at, bt := a.ticks(), b.ticks(); at != bt {
		if at < bt {
			return -1
		}
		return 1
	}
	if ac, bc := a.clockSeq(), b.clockSeq(); ac != bc {
		if ac < bc {
			return -1
		}
		return 1
	}
	for i := 10; i < 16; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b ID) bool { return Compare(a, b) < 0 }

func timeToTicks(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + gregorianOffset
}

func fromTicks(ticks uint64, clockSeq uint16, node [6]byte) ID {
	var id ID
	binary.BigEndian.PutUint32(id[0:4], uint32(ticks))
	binary.BigEndian.PutUint16(id[4:6], uint16(ticks>>32))
	binary.BigEndian.PutUint16(id[6:8], uint16(ticks>>48)&0x0fff|0x1000)
	binary.BigEndian.PutUint16(id[8:10], clockSeq&0x3fff|0x8000)
	copy(id[10:16], node[:])
	return id
}
