package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/tenantd/internal/storage"
)

func TestStoreCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()

	etag, err := store.StoreRecord(ctx, "a", &storage.Record{StartCount: 1}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "a", &storage.Record{}, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create-only conflict, got %v", err)
	}
	if _, err := store.StoreRecord(ctx, "a", &storage.Record{}, "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag conflict, got %v", err)
	}
	next, err := store.StoreRecord(ctx, "a", &storage.Record{StartCount: 2}, etag)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next == etag {
		t.Fatal("expected a fresh etag on update")
	}
	res, err := store.LoadRecord(ctx, "a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Record.StartCount != 2 || res.ETag != next {
		t.Fatalf("unexpected load result %+v etag=%s", res.Record, res.ETag)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	rec := &storage.Record{Metadata: map[string]any{"plan": "free"}}
	if _, err := store.StoreRecord(ctx, "a", rec, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Metadata["plan"] = "mutated"
	res, _ := store.LoadRecord(ctx, "a")
	if res.Record.Metadata["plan"] != "free" {
		t.Fatalf("store aliased caller map: %v", res.Record.Metadata)
	}
	res.Record.Metadata["plan"] = "again"
	again, _ := store.LoadRecord(ctx, "a")
	if again.Record.Metadata["plan"] != "free" {
		t.Fatalf("load aliased stored map: %v", again.Record.Metadata)
	}
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	for _, id := range []string{"b", "a", "c"} {
		if _, err := store.StoreRecord(ctx, id, &storage.Record{}, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, _ := store.ListRecords(ctx)
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := store.DeleteRecord(ctx, "b", "nope"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "b", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.LoadRecord(ctx, "b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "b", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
