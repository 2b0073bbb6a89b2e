package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/corridor/pkg/bucket"
)

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("New store should be empty, got %d rows", store.Len())
	}
}

func TestMemoryStore_Upsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, testObserved, 0.4))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if first.Path != PathInsert {
		t.Errorf("first Path = %q, want %q", first.Path, PathInsert)
	}

	later := testObserved.Add(30 * time.Second)
	second, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, later, 0.9))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if second.Path != PathUpdate {
		t.Errorf("second Path = %q, want %q", second.Path, PathUpdate)
	}
	if second.ID != first.ID {
		t.Errorf("update changed row id: %d -> %d", first.ID, second.ID)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}

	rows, err := store.ReadRange(ctx, testObserved, testObserved.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ReadRange() returned %d rows, want 1", len(rows))
	}
	if got := rows[0].Payload.Ratios["seg-a"]; got != 0.9 {
		t.Errorf("ratio = %v, want 0.9 (last write wins)", got)
	}
	if !rows[0].ObservedAt.Equal(later) {
		t.Errorf("ObservedAt = %v, want %v", rows[0].ObservedAt, later)
	}
}

func TestMemoryStore_Upsert_Invalid(t *testing.T) {
	store := NewMemoryStore()
	snap := testSnapshot("2025-06-15", 1000, testObserved, 0.4)
	snap.Payload.Ratios = nil

	if _, err := store.Upsert(context.Background(), snap); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("Upsert() error = %v, want ErrInvalidSnapshot", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after rejected write, want 0", store.Len())
	}
}

func TestMemoryStore_Upsert_Cancelled(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, testObserved, 0.4)); !errors.Is(err, context.Canceled) {
		t.Errorf("Upsert() error = %v, want context.Canceled", err)
	}
}

func TestMemoryStore_ReadRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := range 5 {
		at := testObserved.Add(time.Duration(i) * 2 * time.Minute)
		if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000+i, at, 0.5)); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	// [t+2m, t+6m) holds indexes 1001 and 1002.
	rows, err := store.ReadRange(ctx, testObserved.Add(2*time.Minute), testObserved.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ReadRange() returned %d rows, want 2", len(rows))
	}
	if rows[0].IntervalIndex != 1001 || rows[1].IntervalIndex != 1002 {
		t.Errorf("indexes = [%d %d], want [1001 1002]", rows[0].IntervalIndex, rows[1].IntervalIndex)
	}
}

func TestMemoryStore_ReadDays(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, testSnapshot("2025-06-14", 1000, testObserved.Add(-24*time.Hour), 0.5)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, testObserved, 0.5)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	days, err := store.ReadDays(ctx, []string{"2025-06-14", "2025-06-15", "2025-06-16"})
	if err != nil {
		t.Fatalf("ReadDays() error = %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("ReadDays() returned %d keys, want 3", len(days))
	}
	if len(days["2025-06-14"]) != 1 || len(days["2025-06-15"]) != 1 {
		t.Errorf("unexpected day sizes: %d, %d", len(days["2025-06-14"]), len(days["2025-06-15"]))
	}
	list, ok := days["2025-06-16"]
	if !ok || list == nil || len(list) != 0 {
		t.Errorf("missing day should be present and empty, got %v (present=%v)", list, ok)
	}
}

func TestMemoryStore_ReadMarksAmbiguous(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := testSnapshot("2025-06-15", 12, testObserved, 0.5)
	snap.SchemaVersion = bucket.SchemaVersionUnknown
	if _, err := store.Upsert(ctx, snap); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	days, err := store.ReadDays(ctx, []string{"2025-06-15"})
	if err != nil {
		t.Fatalf("ReadDays() error = %v", err)
	}
	if !days["2025-06-15"][0].Ambiguous {
		t.Error("row without schema version should be marked ambiguous")
	}
}

func TestMemoryStore_ReadReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, testObserved, 0.5)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rows, _ := store.ReadRange(ctx, testObserved, testObserved.Add(time.Minute))
	rows[0].Payload.Ratios["seg-a"] = 0

	again, _ := store.ReadRange(ctx, testObserved, testObserved.Add(time.Minute))
	if again[0].Payload.Ratios["seg-a"] != 0.5 {
		t.Error("mutating a read result changed stored data")
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := range 3 {
		if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000+i, testObserved, 0.5)); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if n := store.Clear(); n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", store.Len())
	}
}

func TestMemoryStore_ConcurrentSameBucket(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	numGoroutines := 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := range numGoroutines {
		go func(id int) {
			defer wg.Done()
			at := testObserved.Add(time.Duration(id) * time.Millisecond)
			if _, err := store.Upsert(ctx, testSnapshot("2025-06-15", 1000, at, 0.5)); err != nil {
				t.Errorf("Concurrent Upsert() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 1 {
		t.Errorf("Len() = %d after concurrent writes to one bucket, want 1", store.Len())
	}
}

func BenchmarkMemoryStore_Upsert(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	snap := testSnapshot("2025-06-15", 1000, testObserved, 0.5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap.IntervalIndex = 1000 + i%720
		if _, err := store.Upsert(ctx, snap); err != nil {
			b.Fatal(err)
		}
	}
}
