package group0

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

var (
	historyPrefix = storage.Key(storage.Root, []byte("history/"))
	stateIDKey    = storage.Key(storage.Root, []byte("meta/state_id"))
)

// HistoryEntry is one row of the history log. The timestamp is the one
// embedded in StateID.
type HistoryEntry struct {
	StateID     stateid.ID
	Description string
}

// Time returns the entry timestamp.
func (e HistoryEntry) Time() time.Time { return e.StateID.Time() }

type historyRow struct {
	Description string `msgpack:"d,omitempty"`
}

// NewHistoryAppend builds the history mutation for a command that moves to id.
// When gcOlderThan is set, the mutation also removes every row older than
// id.Time() - *gcOlderThan. The window must satisfy 0 <= W < id.Time() - Unix epoch.
func NewHistoryAppend(id stateid.ID, description string, gcOlderThan *time.Duration) (HistoryAppend, error) {
	if id.IsNil() {
		return HistoryAppend{}, fmt.Errorf("group0: history append for nil state id")
	}
	h := HistoryAppend{StateID: id, Description: description}
	if gcOlderThan == nil {
		return h, nil
	}

	w := *gcOlderThan
	ts := id.Time()
	if w < 0 || w >= ts.Sub(time.Unix(0, 0)) {
		return HistoryAppend{}, fmt.Errorf("%w: window %s for state %s", ErrInvalidRetention, w, id)
	}
	h.GCBefore = stateid.MinForTime(ts.Add(-w))
	return h, nil
}

func historyKey(id stateid.ID) []byte {
	return storage.Key(historyPrefix, id.SortKey())
}

// stageHistoryAppend writes the history row and, when requested, the range
// tombstone for rows sorting before h.GCBefore.
func stageHistoryAppend(w storage.Writer, h HistoryAppend) error {
	if !h.GCBefore.IsNil() {
		if err := w.DeleteRange(historyPrefix, historyKey(h.GCBefore)); err != nil {
			return fmt.Errorf("group0: stage history gc: %w", err)
		}
	}
	val, err := msgpack.Marshal(historyRow{Description: h.Description})
	if err != nil {
		return fmt.Errorf("group0: encode history row: %w", err)
	}
	if err := w.Set(historyKey(h.StateID), val); err != nil {
		return fmt.Errorf("group0: stage history row: %w", err)
	}
	return nil
}

func historyContains(r storage.Reader, id stateid.ID) (bool, error) {
	_, ok, err := r.Get(historyKey(id))
	return ok, err
}

func historyLast(r storage.Reader) (stateid.ID, error) {
	k, _, ok, err := r.Last(historyPrefix, storage.PrefixEnd(historyPrefix))
	if err != nil || !ok {
		return stateid.Nil, err
	}
	return stateid.FromSortKey(k[len(historyPrefix):])
}

// historyEntries returns up to limit rows, newest first. limit <= 0 means all.
func historyEntries(r storage.Reader, limit int) ([]HistoryEntry, error) {
	var all []HistoryEntry
	err := r.Scan(historyPrefix, storage.PrefixEnd(historyPrefix), func(k, v []byte) error {
		id, err := stateid.FromSortKey(k[len(historyPrefix):])
		if err != nil {
			return err
		}
		var row historyRow
		if err := msgpack.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("group0: decode history row %s: %w", id, err)
		}
		all = append(all, HistoryEntry{StateID: id, Description: row.Description})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func loadStateID(r storage.Reader) (stateid.ID, error) {
	v, ok, err := r.Get(stateIDKey)
	if err != nil || !ok {
		return stateid.Nil, err
	}
	return stateid.FromBytes(v)
}

func stageStateID(w storage.Writer, id stateid.ID) error {
	return w.Set(stateIDKey, id.Bytes())
}
