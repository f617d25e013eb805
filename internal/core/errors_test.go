package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFailureStatusTable(t *testing.T) {
	cases := map[string]int{
		CodeMissingTenantKey:    http.StatusBadRequest,
		CodeInvalidTenantKey:    http.StatusBadRequest,
		CodeInstanceStartFailed: http.StatusInternalServerError,
		CodeInstanceUnreachable: http.StatusBadGateway,
		CodeMetadataWriteFailed: http.StatusInternalServerError,
		CodeRequestTooLarge:     http.StatusRequestEntityTooLarge,
		CodeMethodNotAllowed:    http.StatusMethodNotAllowed,
		CodeUnauthorized:        http.StatusUnauthorized,
		"SomethingElse":         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := NewFailure(code, "", nil).Status(); got != want {
			t.Fatalf("%s status = %d, want %d", code, got, want)
		}
	}
}

func TestAsFailureThroughWrapping(t *testing.T) {
	cause := errors.New("exec: no such file")
	err := fmt.Errorf("gateway: %w", NewFailure(CodeInstanceStartFailed, "start failed", cause))
	f, ok := AsFailure(err)
	if !ok || f.Code != CodeInstanceStartFailed {
		t.Fatalf("AsFailure = %+v, %v", f, ok)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Failure")
	}
	if !HasCode(err, CodeInstanceStartFailed) || HasCode(cause, CodeInstanceStartFailed) {
		t.Fatal("HasCode mismatch")
	}
	if f.Error() != "InstanceStartFailed: start failed" {
		t.Fatalf("Error() = %q", f.Error())
	}
}
