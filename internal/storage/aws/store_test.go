package aws

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/tenantd/internal/storage"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("tenantd-aws"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	return Config{
		Endpoint:       server.URL,
		Region:         "us-east-1",
		Bucket:         "tenantd-aws",
		Prefix:         "prod",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestAWSRecordLifecycle(t *testing.T) {
	store, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.LoadRecord(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.StoreRecord(ctx, "alpha", &storage.Record{StartCount: 3, LastKnownLocation: "SE"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := store.LoadRecord(ctx, "alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Record.StartCount != 3 || res.Record.LastKnownLocation != "SE" || res.ETag == "" {
		t.Fatalf("unexpected load %+v etag=%q", res.Record, res.ETag)
	}
	ids, err := store.ListRecords(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "alpha" {
		t.Fatalf("list ids=%v err=%v", ids, err)
	}
	if err := store.DeleteRecord(ctx, "alpha", "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "alpha", res.ETag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.LoadRecord(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	if !isPreconditionFailed(precondition) {
		t.Fatal("PreconditionFailed not classified")
	}
	missing := &smithy.GenericAPIError{Code: "NoSuchKey"}
	if !isNotFound(missing) || isPreconditionFailed(missing) {
		t.Fatal("NoSuchKey misclassified")
	}
	if isRetryable(errors.New("nope")) || !isRetryable(context.DeadlineExceeded) {
		t.Fatal("retryable classification wrong")
	}
}
