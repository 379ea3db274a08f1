package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint identifies a resource by what it is built from: its kind and
// fully resolved constructor args. Two runs producing the same fingerprint
// would create identical resources.
func Fingerprint(kind string, args []any) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical
	// for the values a spec set can hold.
	payload, err := json.Marshal(normalizeValue(args))
	if err != nil {
		return "", fmt.Errorf("failed to encode args of %s: %w", kind, err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeValue converts map[any]any (produced by some decoders) into
// map[string]any so the value can be JSON encoded.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = normalizeValue(v)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeValue(v)
		}
		return out
	default:
		return v
	}
}
