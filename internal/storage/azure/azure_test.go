package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/tenantd/internal/storage"
)

func TestValidate(t *testing.T) {
	cases := []Config{
		{Container: "c", AccountKey: "k"},
		{Account: "a", AccountKey: "k"},
		{Account: "a", Container: "c"},
	}
	for _, cfg := range cases {
		if err := validate(cfg); err == nil {
			t.Fatalf("expected validation error for %+v", cfg)
		}
	}
	if err := validate(Config{Account: "a", Container: "c", SASToken: "sv=1"}); err != nil {
		t.Fatalf("sas config: %v", err)
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("appendSASToken: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, _ = appendSASToken("https://h/?a=1", "b=2")
	if got != "https://h/?a=1&b=2" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestBlobName(t *testing.T) {
	s := &Store{prefix: "tenants"}
	name, err := s.blobName("abc")
	if err != nil || name != "tenants/records/abc.json" {
		t.Fatalf("blobName = %q, %v", name, err)
	}
	if _, err := s.blobName("a/b"); err == nil {
		t.Fatal("expected invalid identity")
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "BlobAlreadyExists"}
	missing := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	if !isPreconditionFailed(precondition) || !isPreconditionFailed(exists) || isPreconditionFailed(missing) {
		t.Fatal("precondition classification wrong")
	}
	if !isNotFound(missing) || isNotFound(busy) {
		t.Fatal("not-found classification wrong")
	}
	if !storage.IsTransient(wrapError(busy, "azure: x")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(missing, "azure: x")) {
		t.Fatal("404 must not be transient")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("container exists not detected")
	}
	if isContainerExists(errors.New("x")) {
		t.Fatal("plain error misclassified")
	}
}
