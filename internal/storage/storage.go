// Package storage defines the persistent instance record and the backend
// contract shared by the memory, disk, S3, AWS and Azure stores.
package storage

import (
	"context"
	"errors"
	"time"
)

// ContentTypeJSON is the content type of every persisted record.
const ContentTypeJSON = "application/json"

// Sentinel errors returned by backends.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ErrorInfo captures the most recent failure observed for an instance.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the durable per-instance document. It survives instance sleeps,
// restarts and restarts of tenantd itself.
type Record struct {
	Identity          string         `json:"identity"`
	TenantKey         string         `json:"tenantKey"`
	StartCount        uint64         `json:"startCount"`
	LastStarted       *time.Time     `json:"lastStarted,omitempty"`
	LastStopped       *time.Time     `json:"lastStopped,omitempty"`
	LastError         *ErrorInfo     `json:"lastError,omitempty"`
	TotalRequests     uint64         `json:"totalRequests"`
	LastKnownLocation string         `json:"lastKnownLocation,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	UpdatedAt         *time.Time     `json:"updatedAt,omitempty"`
	Version           int64          `json:"version"`
}

// Clone returns a deep copy of r so callers can mutate it freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.LastStarted = cloneTime(r.LastStarted)
	out.LastStopped = cloneTime(r.LastStopped)
	out.UpdatedAt = cloneTime(r.UpdatedAt)
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LoadResult pairs a record with the ETag that must be presented to replace it.
type LoadResult struct {
	Record *Record
	ETag   string
}

// Backend persists records keyed by instance identity.
//
// StoreRecord with an empty expectedETag is create-only and fails with
// ErrCASMismatch when the record already exists. A non-empty expectedETag
// fails with ErrCASMismatch when the stored ETag differs.
type Backend interface {
	LoadRecord(ctx context.Context, id string) (LoadResult, error)
	StoreRecord(ctx context.Context, id string, rec *Record, expectedETag string) (string, error)
	DeleteRecord(ctx context.Context, id string, expectedETag string) error
	ListRecords(ctx context.Context) ([]string, error)
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
