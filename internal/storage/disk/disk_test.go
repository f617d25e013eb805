package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pkt.systems/tenantd/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAndLoadRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rec := &storage.Record{Identity: "abc", TenantKey: "my-app", StartCount: 2, Metadata: map[string]any{"plan": "pro"}}
	etag, err := store.StoreRecord(ctx, "abc", rec, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	res, err := store.LoadRecord(ctx, "abc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.ETag != etag || res.Record.StartCount != 2 || res.Record.Metadata["plan"] != "pro" {
		t.Fatalf("unexpected record %+v etag=%s", res.Record, res.ETag)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "records", "abc.json")); err != nil {
		t.Fatalf("expected record file: %v", err)
	}
}

func TestStoreRecordCAS(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.StoreRecord(ctx, "abc", &storage.Record{}, "missing"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch for missing record, got %v", err)
	}
	etag, err := store.StoreRecord(ctx, "abc", &storage.Record{}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "abc", &storage.Record{}, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create-only conflict, got %v", err)
	}
	if _, err := store.StoreRecord(ctx, "abc", &storage.Record{StartCount: 1}, etag); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "abc", &storage.Record{StartCount: 2}, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag conflict, got %v", err)
	}
}

func TestConcurrentUpdatesAcrossStores(t *testing.T) {
	root := t.TempDir()
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ctx := context.Background()
	recordsA := storage.NewRecords(a)
	recordsB := storage.NewRecords(b)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		for _, records := range []*storage.Records{recordsA, recordsB} {
			wg.Add(1)
			go func(records *storage.Records) {
				defer wg.Done()
				for {
					_, err := records.Update(ctx, "shared", func(rec *storage.Record) error {
						rec.TotalRequests++
						return nil
					})
					if errors.Is(err, storage.ErrCASMismatch) {
						continue
					}
					if err != nil {
						errs <- err
					}
					return
				}
			}(records)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("update: %v", err)
	}
	res, err := recordsA.Load(ctx, "shared")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Record.TotalRequests != 40 {
		t.Fatalf("totalRequests = %d, want 40", res.Record.TotalRequests)
	}
}

func TestDeleteAndList(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if _, err := store.StoreRecord(ctx, id, &storage.Record{}, ""); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	ids, err := store.ListRecords(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("list ids=%v err=%v", ids, err)
	}
	if err := store.DeleteRecord(ctx, "a", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.LoadRecord(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectsTraversal(t *testing.T) {
	store := newStore(t)
	if _, err := store.StoreRecord(context.Background(), "../escape", &storage.Record{}, ""); err == nil {
		t.Fatal("expected traversal identity to be rejected")
	}
	if _, err := store.LoadRecord(context.Background(), ""); err == nil {
		t.Fatal("expected empty identity to be rejected")
	}
}
