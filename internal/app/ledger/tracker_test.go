package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/storage/memory"
)

func TestTracker_SetIfMax(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker("best", memory.New())

	empty, err := tracker.GetMax(ctx)
	if err != nil {
		t.Fatalf("get max: %v", err)
	}
	if empty.Value != "0" {
		t.Fatalf("empty tracker should report 0, got %s", empty.Value)
	}

	seen := []string{"30", "50", "40", "70"}
	want := []string{"30", "50", "50", "70"}
	for i, value := range seen {
		if _, err := tracker.SetIfMax(ctx, Entry{Value: value, Data: json.RawMessage(`{"n":` + value + `}`)}); err != nil {
			t.Fatalf("set %s: %v", value, err)
		}
		max, err := tracker.GetMax(ctx)
		if err != nil {
			t.Fatalf("get max: %v", err)
		}
		if max.Value != want[i] {
			t.Fatalf("after %s expected max %s, got %s", value, want[i], max.Value)
		}
	}

	final, _ := tracker.GetMax(ctx)
	if string(final.Data) != `{"n":70}` {
		t.Fatalf("data not carried with the max: %s", final.Data)
	}
}

func TestTracker_DisplacedEntry(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker("", nil)

	displaced, err := tracker.SetIfMax(ctx, Entry{Value: "10"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if displaced.Value != "0" {
		t.Fatalf("first set should displace the zero entry, got %s", displaced.Value)
	}

	displaced, err = tracker.SetIfMax(ctx, Entry{Value: "5"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if displaced.Value != "5" {
		t.Fatalf("losing entry should come back unchanged, got %s", displaced.Value)
	}
}

func TestTracker_SharedStoreSerializesWriters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// Two tracker handles over the same key model two concurrent actors.
	a := NewTracker("claims", store)
	b := NewTracker("claims", store)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		value := decimal.NewFromInt(int64(i)).String()
		go func(v string) {
			defer wg.Done()
			_, _ = a.SetIfMax(ctx, Entry{Value: v})
		}(value)
		go func(v string) {
			defer wg.Done()
			_, _ = b.SetIfMax(ctx, Entry{Value: v})
		}(value)
	}
	wg.Wait()

	max, err := NewTracker("claims", store).GetMax(ctx)
	if err != nil {
		t.Fatalf("get max: %v", err)
	}
	if max.Value != "50" {
		t.Fatalf("expected 50 after concurrent writers, got %s", max.Value)
	}
}

func TestTracker_MonotoneUnderInterleaving(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker("mono", memory.New())

	var mu sync.Mutex
	var observed []string

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			value := decimal.NewFromInt(int64(n % 25)).String()
			if _, err := tracker.SetIfMax(ctx, Entry{Value: value}); err != nil {
				t.Errorf("set: %v", err)
				return
			}
			max, err := tracker.GetMax(ctx)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			mu.Lock()
			observed = append(observed, max.Value)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// Observations from different goroutines are not ordered, so the check
	// is that the final value is the overall maximum and that every
	// observation parses as a decimal.
	final, _ := tracker.GetMax(ctx)
	if final.Value != "24" {
		t.Fatalf("expected final max 24, got %s", final.Value)
	}
	for _, v := range observed {
		if _, err := decimal.NewFromString(v); err != nil {
			t.Fatalf("non-decimal observation %q", v)
		}
	}
}
