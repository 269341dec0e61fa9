package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

const idempotencyKeyDomain = "inventory/idempotency/v1"

// Fields that change between deliveries of the same logical event.
var volatileFields = map[string]struct{}{
	"timestamp":     {},
	"created_at":    {},
	"updated_at":    {},
	"processed_at":  {},
	"attempt_count": {},
	"retry_count":   {},
}

// DeriveIdempotencyKey fingerprints an operation. Volatile fields are dropped
// at any depth, strings are NFC normalized and object keys are sorted, so
// redeliveries with different wall-clock metadata map to the same key.
func DeriveIdempotencyKey(operation string, context map[string]any, payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(map[string]any{
		"operation": operation,
		"context":   context,
		"payload":   payload,
	})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key for %s: %w", operation, err)
	}
	return hashWithDomain(idempotencyKeyDomain, canonical), nil
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(v any) ([]byte, error) {
	normalized, err := canonicalValue(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func canonicalValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if _, skip := volatileFields[k]; skip {
				continue
			}
			c, err := canonicalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			c, err := canonicalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	default:
		// Structs, typed maps and slices go through JSON to reach the generic shape.
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return canonicalValue(generic)
	}
}
