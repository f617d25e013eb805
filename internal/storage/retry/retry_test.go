package retry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

func (f *fakeClock) AfterFunc(time.Duration, func()) clock.Timer {
	panic("AfterFunc not used by retry")
}

type stubBackend struct {
	loadErrs  []error
	loadCalls int

	storeErrs  []error
	storeCalls int
}

func (s *stubBackend) LoadRecord(context.Context, string) (storage.LoadResult, error) {
	s.loadCalls++
	if idx := s.loadCalls - 1; idx < len(s.loadErrs) && s.loadErrs[idx] != nil {
		return storage.LoadResult{}, s.loadErrs[idx]
	}
	return storage.LoadResult{
		Record: &storage.Record{StartCount: uint64(s.loadCalls)},
		ETag:   fmt.Sprintf("etag-%d", s.loadCalls),
	}, nil
}

func (s *stubBackend) StoreRecord(context.Context, string, *storage.Record, string) (string, error) {
	s.storeCalls++
	if idx := s.storeCalls - 1; idx < len(s.storeErrs) && s.storeErrs[idx] != nil {
		return "", s.storeErrs[idx]
	}
	return "new-etag", nil
}

func (s *stubBackend) DeleteRecord(context.Context, string, string) error {
	return storage.ErrNotImplemented
}

func (s *stubBackend) ListRecords(context.Context) ([]string, error) {
	return nil, storage.ErrNotImplemented
}

func (s *stubBackend) Close() error { return nil }

func newBackend(stub *stubBackend, clk *fakeClock, attempts int) storage.Backend {
	logger := pslog.NewStructured(context.Background(), io.Discard)
	return retry.Wrap(stub, logger, clk, retry.Config{
		MaxAttempts: attempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Multiplier:  2,
	})
}

func TestRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()
	transient := storage.NewTransientError(errors.New("connection reset"))
	stub := &stubBackend{loadErrs: []error{transient, transient}}
	clk := &fakeClock{}
	b := newBackend(stub, clk, 5)

	res, err := b.LoadRecord(context.Background(), "id")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stub.loadCalls != 3 || res.ETag != "etag-3" {
		t.Fatalf("calls=%d etag=%s", stub.loadCalls, res.ETag)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", clk.sleeps, want)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", clk.sleeps, want)
		}
	}
}

func TestRetryCapsDelayAndGivesUp(t *testing.T) {
	t.Parallel()
	transient := storage.NewTransientError(errors.New("503"))
	stub := &stubBackend{storeErrs: []error{transient, transient, transient, transient}}
	clk := &fakeClock{}
	b := newBackend(stub, clk, 4)

	_, err := b.StoreRecord(context.Background(), "id", &storage.Record{}, "etag")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error after exhausting attempts, got %v", err)
	}
	if stub.storeCalls != 4 {
		t.Fatalf("store calls = %d, want 4", stub.storeCalls)
	}
	if got := clk.sleeps[len(clk.sleeps)-1]; got != 25*time.Millisecond {
		t.Fatalf("last sleep = %v, want capped 25ms", got)
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	t.Parallel()
	stub := &stubBackend{storeErrs: []error{storage.ErrCASMismatch}}
	clk := &fakeClock{}
	b := newBackend(stub, clk, 5)

	if _, err := b.StoreRecord(context.Background(), "id", &storage.Record{}, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if stub.storeCalls != 1 || len(clk.sleeps) != 0 {
		t.Fatalf("permanent error retried: calls=%d sleeps=%v", stub.storeCalls, clk.sleeps)
	}
}

func TestRetryHonoursCanceledContext(t *testing.T) {
	t.Parallel()
	stub := &stubBackend{loadErrs: []error{storage.NewTransientError(errors.New("x"))}}
	b := newBackend(stub, &fakeClock{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.LoadRecord(ctx, "id"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
