package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxRecordBytes bounds decoded records. Metadata is capped well below this
// by the router, so anything larger is treated as corruption.
const MaxRecordBytes = 4 << 20

// EncodeRecord serialises rec for persistence.
func EncodeRecord(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("storage: encode nil record")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses a persisted record.
func DecodeRecord(r io.Reader) (*Record, error) {
	var rec Record
	data, err := io.ReadAll(io.LimitReader(r, MaxRecordBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read record: %w", err)
	}
	if len(data) > MaxRecordBytes {
		return nil, fmt.Errorf("storage: record exceeds %d bytes", MaxRecordBytes)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode record: %w", err)
	}
	return &rec, nil
}
