package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalStable produces deterministic JSON: object keys sorted, strings NFC
// normalized, no HTML escaping, floats in shortest round-trip form. Two
// semantically equal payloads always marshal to identical bytes, which makes
// the output safe for partition keys and golden fixtures.
func MarshalStable(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalStable(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalStable(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeStableString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		return writeStableFloat(buf, val)
	case float32:
		return writeStableFloat(buf, float64(val))
	case json.Number:
		buf.WriteString(string(val))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalStable(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeStableString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := marshalStable(buf, val[k]); err != nil {
				return fmt.Errorf("value for %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		// Fall back through encoding/json for structs and typed values,
		// then re-canonicalize the decoded form.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return err
		}
		return marshalStable(buf, decoded)
	}
	return nil
}

func writeStableFloat(buf *bytes.Buffer, f float64) error {
	if f != f || f > maxJSONFloat || f < -maxJSONFloat {
		return fmt.Errorf("value %v cannot be represented in JSON", f)
	}
	if f == float64(int64(f)) {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const maxJSONFloat = 1.7976931348623157e308

func writeStableString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	// json.Encoder appends a newline.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}

// Stringify renders a value for interpolation into strings: strings pass
// through, numbers and bools use their JSON form, nil is empty, and
// composites use stable JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		if val == float64(int64(val)) && val <= maxSafeInt && val >= -maxSafeInt {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case json.Number:
		return string(val)
	}
	b, err := MarshalStable(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

const maxSafeInt = 1 << 53

// PartitionKey renders a group-by value as a stable string key. Scalar
// strings are NFC normalized so visually identical keys partition together;
// composite values fall back to stable JSON.
func PartitionKey(v any) string {
	if s, ok := v.(string); ok {
		return norm.NFC.String(s)
	}
	return Stringify(v)
}

// Equal reports deep structural equality: maps compare order-insensitively,
// numbers compare by value across int/float/json.Number representations.
func Equal(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, err := MarshalStable(a)
	if err != nil {
		return false
	}
	bb, err := MarshalStable(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
