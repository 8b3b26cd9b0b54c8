package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashObject returns the hex SHA-256 of the canonical JSON form of v: object
// keys sorted lexicographically at every nesting level, array order preserved.
// Equal values hash equal regardless of key declaration order, which makes the
// result usable as an idempotency key.
func HashObject(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Non-serializable values still need a stable identity for audit rows.
		sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", v)))
		return hex.EncodeToString(sum[:])
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	var sb strings.Builder
	writeCanonical(&sb, tree)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex chars of HashObject, enough entropy for
// client order ids with exchange length limits.
func ShortHash(v any) string {
	return HashObject(v)[:16]
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(val.String())
	case string:
		kb, _ := json.Marshal(val)
		sb.Write(kb)
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case nil:
		sb.WriteString("null")
	default:
		kb, _ := json.Marshal(val)
		sb.Write(kb)
	}
}
