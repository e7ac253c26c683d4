package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/storage"
	"github.com/R3E-Network/paychan/internal/errors"
)

// Entry is a (value, data) pair held by a MaxValueTracker. Value is a decimal
// string; Data is opaque to the tracker.
type Entry struct {
	Value string          `json:"value"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// zeroEntry is what an empty tracker reports.
var zeroEntry = Entry{Value: "0"}

// MaxValueTracker is a monotone (value, data) register. SetIfMax replaces the
// entry only when the candidate's value is strictly greater, so the stored
// value never decreases. When bound to a store key, the comparison happens
// inside the store's atomic read-modify-write, which serializes concurrent
// writers that share the store.
type MaxValueTracker struct {
	key   string
	store storage.Store

	mu      sync.Mutex
	current Entry
}

// NewTracker creates a tracker bound to key. An empty key keeps it in memory.
func NewTracker(key string, store storage.Store) *MaxValueTracker {
	return &MaxValueTracker{key: key, store: store, current: zeroEntry}
}

func compareValues(a, b string) (int, error) {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", a, err)
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", b, err)
	}
	return da.Cmp(db), nil
}

// SetIfMax installs entry if its value is strictly greater than the current
// maximum and returns the displaced entry: the prior maximum when replaced,
// the candidate itself when not.
func (t *MaxValueTracker) SetIfMax(ctx context.Context, entry Entry) (Entry, error) {
	if _, err := decimal.NewFromString(entry.Value); err != nil {
		return Entry{}, errors.InvalidFields("invalid tracker value %q", entry.Value)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store == nil || t.key == "" {
		cmp, err := compareValues(entry.Value, t.current.Value)
		if err != nil {
			return Entry{}, errors.Internal("compare tracker values", err)
		}
		if cmp <= 0 {
			return entry, nil
		}
		displaced := t.current
		t.current = entry
		return displaced, nil
	}

	var displaced Entry
	err := t.store.Update(ctx, t.key, func(old []byte) ([]byte, error) {
		stored := zeroEntry
		if len(old) > 0 {
			if err := json.Unmarshal(old, &stored); err != nil {
				return nil, fmt.Errorf("decode tracker %s: %w", t.key, err)
			}
		}
		cmp, err := compareValues(entry.Value, stored.Value)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			displaced = entry
			return old, nil
		}
		displaced = stored
		return json.Marshal(entry)
	})
	if err != nil {
		return Entry{}, errors.Internal("update tracker", err)
	}
	return displaced, nil
}

// GetMax returns the current maximum entry. An empty tracker reports
// {value: "0"}. A store-bound tracker always reads through, so every handle
// over the same key observes the same maximum.
func (t *MaxValueTracker) GetMax(ctx context.Context) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store == nil || t.key == "" {
		return t.current, nil
	}

	raw, ok, err := t.store.Get(ctx, t.key)
	if err != nil {
		return Entry{}, errors.Internal("load tracker", err)
	}
	if !ok {
		return zeroEntry, nil
	}
	var stored Entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Entry{}, errors.Internal("decode tracker", err)
	}
	return stored, nil
}
