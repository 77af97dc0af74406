package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Values flowing through the engine are JSON-shaped: string, float64, bool,
// nil, []any, or map[string]any. Helpers here normalize, copy, and format
// such values; every input, step output, and persisted field goes through
// this vocabulary.

// NormalizeValue coerces a decoded value into the canonical JSON shape.
// Integers and float32 become float64, json.Number resolves to float64,
// and typed maps/slices from YAML decoding become generic.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = NormalizeValue(item)
		}
		return result
	case map[interface{}]interface{}:
		// YAML decoders may produce interface-keyed maps.
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[fmt.Sprintf("%v", k)] = NormalizeValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = NormalizeValue(item)
		}
		return result
	default:
		// Fall back to a JSON round trip for exotic types.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Sprintf("%v", val)
		}
		return decoded
	}
}

// CloneValue returns a deep copy of a JSON-shaped value.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = CloneValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = CloneValue(item)
		}
		return result
	default:
		return val
	}
}

// CloneMap returns a deep copy of a JSON-shaped map. A nil input yields an
// empty map so callers can mutate the result freely.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = CloneValue(v)
	}
	return result
}

// FormatValue renders a value for string-context substitution: nil becomes
// the empty string, primitives use their natural text form, and composites
// serialize to compact JSON.
func FormatValue(v interface{}) string {
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
	case float64:
		// Whole numbers print without a trailing ".0".
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// StringifyIndent renders a non-string value as indented JSON. Strings pass
// through unchanged. Used by the file handler when writing composite content.
func StringifyIndent(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// ValuesEqual reports deep equality of two JSON-shaped values.
func ValuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}
