package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultUpdateAttempts bounds the CAS loop in Records.Update.
const DefaultUpdateAttempts = 16

// Field names accepted by Records.Get and Records.Put. They match the JSON
// field names of Record.
const (
	FieldStartCount        = "startCount"
	FieldLastStarted       = "lastStarted"
	FieldLastStopped       = "lastStopped"
	FieldLastError         = "lastError"
	FieldTotalRequests     = "totalRequests"
	FieldLastKnownLocation = "lastKnownLocation"
	FieldMetadata          = "metadata"
	FieldUpdatedAt         = "updatedAt"
)

// ErrUnknownField is returned by Get and Put for unsupported field names.
var ErrUnknownField = errors.New("storage: unknown record field")

// Records provides per-identity access to instance records on top of a
// Backend. All mutations go through an optimistic CAS loop so concurrent
// read-modify-write sequences for one identity never lose updates.
type Records struct {
	backend  Backend
	attempts int
}

// NewRecords returns a Records helper over backend.
func NewRecords(backend Backend) *Records {
	return &Records{backend: backend, attempts: DefaultUpdateAttempts}
}

// Backend returns the underlying backend.
func (r *Records) Backend() Backend { return r.backend }

// Load returns the record for id. A missing record yields a zero record
// carrying only the identity and an empty ETag.
func (r *Records) Load(ctx context.Context, id string) (LoadResult, error) {
	res, err := r.backend.LoadRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return LoadResult{Record: &Record{Identity: id}}, nil
	}
	if err != nil {
		return LoadResult{}, err
	}
	if res.Record == nil {
		res.Record = &Record{}
	}
	res.Record.Identity = id
	return res, nil
}

// Ensure creates the record for id when it does not exist yet. It reports
// whether a new record was written.
func (r *Records) Ensure(ctx context.Context, id, tenantKey string) (bool, error) {
	if _, err := r.backend.LoadRecord(ctx, id); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	rec := &Record{Identity: id, TenantKey: tenantKey, Version: 1}
	_, err := r.backend.StoreRecord(ctx, id, rec, "")
	if errors.Is(err, ErrCASMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update applies fn to the current record for id and persists the result,
// retrying on CAS conflicts. fn may be invoked more than once and must not
// retain rec. Returning an error from fn aborts the update.
func (r *Records) Update(ctx context.Context, id string, fn func(rec *Record) error) (*Record, error) {
	if fn == nil {
		return nil, fmt.Errorf("storage: update: nil mutator")
	}
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Record.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Identity = id
		next.Version = current.Record.Version + 1
		if _, err := r.backend.StoreRecord(ctx, id, next, current.ETag); err != nil {
			if errors.Is(err, ErrCASMismatch) {
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("storage: update %s: %w after %d attempts", id, ErrCASMismatch, r.attempts)
}

// Get returns a single field of the record for id.
func (r *Records) Get(ctx context.Context, id, field string) (any, error) {
	res, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := res.Record
	switch field {
	case FieldStartCount:
		return rec.StartCount, nil
	case FieldLastStarted:
		return rec.LastStarted, nil
	case FieldLastStopped:
		return rec.LastStopped, nil
	case FieldLastError:
		return rec.LastError, nil
	case FieldTotalRequests:
		return rec.TotalRequests, nil
	case FieldLastKnownLocation:
		return rec.LastKnownLocation, nil
	case FieldMetadata:
		return rec.Clone().Metadata, nil
	case FieldUpdatedAt:
		return rec.UpdatedAt, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
}

// Put replaces a single field of the record for id.
func (r *Records) Put(ctx context.Context, id, field string, value any) error {
	_, err := r.Update(ctx, id, func(rec *Record) error {
		return setField(rec, field, value)
	})
	return err
}

func setField(rec *Record, field string, value any) error {
	switch field {
	case FieldStartCount:
		v, ok := value.(uint64)
		if !ok {
			return fieldTypeError(field, value)
		}
		rec.StartCount = v
	case FieldTotalRequests:
		v, ok := value.(uint64)
		if !ok {
			return fieldTypeError(field, value)
		}
		rec.TotalRequests = v
	case FieldLastStarted, FieldLastStopped, FieldUpdatedAt:
		v, ok := value.(time.Time)
		if !ok {
			return fieldTypeError(field, value)
		}
		t := v.UTC()
		switch field {
		case FieldLastStarted:
			rec.LastStarted = &t
		case FieldLastStopped:
			rec.LastStopped = &t
		default:
			rec.UpdatedAt = &t
		}
	case FieldLastError:
		switch v := value.(type) {
		case nil:
			rec.LastError = nil
		case ErrorInfo:
			rec.LastError = &v
		case *ErrorInfo:
			rec.LastError = v
		default:
			return fieldTypeError(field, value)
		}
	case FieldLastKnownLocation:
		v, ok := value.(string)
		if !ok {
			return fieldTypeError(field, value)
		}
		rec.LastKnownLocation = v
	case FieldMetadata:
		v, ok := value.(map[string]any)
		if !ok {
			return fieldTypeError(field, value)
		}
		rec.Metadata = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

func fieldTypeError(field string, value any) error {
	return fmt.Errorf("storage: field %q does not accept %T", field, value)
}
