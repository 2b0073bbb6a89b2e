package storage

import (
	"context"
	"errors"
	"testing"
)

func testDescriptors() []SegmentDescriptor {
	return []SegmentDescriptor{
		{ID: "seg-a", Name: "Main St", RoadType: "arterial", Coordinates: [][2]float64{{49.28, -123.12}, {49.29, -123.11}}},
		{ID: "seg-b", Name: "Hwy 1", RoadType: "highway", Priority: "high", Coordinates: [][2]float64{{49.25, -123.0}}},
	}
}

func TestDescriptorHash(t *testing.T) {
	a := testDescriptors()[0]
	h1, data, err := DescriptorHash(a)
	if err != nil {
		t.Fatalf("DescriptorHash() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("DescriptorHash() returned no JSON")
	}

	h2, _, _ := DescriptorHash(a)
	if h1 != h2 {
		t.Errorf("hash not stable: %s vs %s", h1, h2)
	}

	a.Name = "Main Street"
	h3, _, _ := DescriptorHash(a)
	if h3 == h1 {
		t.Error("hash did not change with content")
	}
}

func TestDescriptorsOf_FillsMissingID(t *testing.T) {
	p := Payload{Segments: map[string]SegmentDescriptor{"seg-x": {Name: "X"}}}
	got := DescriptorsOf(p)
	if len(got) != 1 || got[0].ID != "seg-x" {
		t.Errorf("DescriptorsOf() = %+v, want one descriptor with id seg-x", got)
	}
}

func TestMemoryCatalog_UpsertMany(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	n, err := cat.UpsertMany(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
	if n != 2 {
		t.Errorf("first UpsertMany() changed = %d, want 2", n)
	}

	n, err = cat.UpsertMany(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
	if n != 0 {
		t.Errorf("identical UpsertMany() changed = %d, want 0", n)
	}

	changed := testDescriptors()
	changed[1].Priority = "low"
	n, err = cat.UpsertMany(ctx, changed)
	if err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
	if n != 1 {
		t.Errorf("UpsertMany() with one change changed = %d, want 1", n)
	}

	got, err := cat.GetByIDs(ctx, []string{"seg-b", "seg-missing"})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetByIDs() returned %d entries, want 1", len(got))
	}
	if got["seg-b"].Priority != "low" {
		t.Errorf("seg-b priority = %q, want low", got["seg-b"].Priority)
	}
}

func TestMemoryCatalog_RejectsEmptyID(t *testing.T) {
	cat := NewMemoryCatalog()
	_, err := cat.UpsertMany(context.Background(), []SegmentDescriptor{{Name: "nameless"}})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("UpsertMany() error = %v, want ErrInvalidDescriptor", err)
	}
}
