// Package jsonutil compacts and decodes size-capped JSON request bodies.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"pkt.systems/jpact"
)

// Decode errors.
var (
	ErrTooLarge  = errors.New("json: payload too large")
	ErrInvalid   = errors.New("json: invalid input")
	ErrNotObject = errors.New("json: top-level value is not an object")
)

// rawSlack bounds how much insignificant whitespace a capped payload may
// carry before compaction.
const rawSlack = 4

// DecodeObject compacts the document read from r and decodes it as a JSON
// object. maxBytes caps the compacted size; maxBytes <= 0 disables the limit.
func DecodeObject(r io.Reader, maxBytes int64) (map[string]any, error) {
	compact, err := CompactToBuffer(r, maxBytes)
	if err != nil {
		return nil, err
	}
	if len(compact) == 0 || compact[0] != '{' {
		return nil, ErrNotObject
	}
	var out map[string]any
	if err := json.Unmarshal(compact, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

// CompactToBuffer returns the compacted JSON payload read from r. The limit
// applies to the compacted bytes, so pretty-printed input whose compact form
// fits is accepted. Raw input beyond rawSlack*maxBytes is rejected unread.
func CompactToBuffer(r io.Reader, maxBytes int64) ([]byte, error) {
	src := r
	if maxBytes > 0 {
		rawMax := maxBytes * rawSlack
		if rawMax/rawSlack != maxBytes {
			rawMax = math.MaxInt64 - 1
		}
		data, err := io.ReadAll(io.LimitReader(r, rawMax+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > rawMax {
			return nil, fmt.Errorf("%w: raw input exceeds %d bytes", ErrTooLarge, rawMax)
		}
		src = bytes.NewReader(data)
	}
	compact, err := jpact.CompactToBuffer(src, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if maxBytes > 0 && int64(len(compact)) > maxBytes {
		return nil, fmt.Errorf("%w: compacted payload is %d bytes, limit %d", ErrTooLarge, len(compact), maxBytes)
	}
	return compact, nil
}
