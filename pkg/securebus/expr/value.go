package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve turns an operand into a value: a quoted string, true, false,
// null, a number, or a payload field. Fields are dotted paths (see Lookup).
// A field that is absent resolves to nil, so filters on missing data fail
// closed; any other unrecognised text is taken literally.
func Resolve(s string, vars map[string]any) any {
	s = strings.TrimSpace(s)
	if v, ok := literal(s); ok {
		return v
	}
	if v, ok := vars[s]; ok {
		return v
	}
	if v, ok := Lookup(vars, s); ok {
		return v
	}
	if isIdentifier(s) {
		return nil
	}
	return s
}

func literal(s string) (any, bool) {
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return s[1 : n-1], true
	}
	switch strings.ToLower(s) {
	case "":
		return "", true
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "nil":
		return nil, true
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if c := s[0]; c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.' {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

// Lookup walks a dotted path through a decoded JSON payload. Numeric
// segments index into arrays: "items.0.sku".
func Lookup(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for seg := range strings.SplitSeq(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		letter := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_'
		if !letter && (i == 0 || !(r >= '0' && r <= '9' || r == '.')) {
			return false
		}
	}
	return true
}

// IsTruthy reports whether a bare operand counts as true: not nil, not
// false, not an empty string and not a zero number.
func IsTruthy(v any) bool {
	if f, ok := numeric(v); ok {
		return f != 0
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	return true
}

// numeric covers payload numbers (float64 after JSON decoding), parsed
// literals (int64) and values from typed payloads.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToFloat64 converts a value for ordering comparisons. Numeric strings such
// as "12.50" convert; anything else is 0.
func ToFloat64(v any) float64 {
	if f, ok := numeric(v); ok {
		return f
	}
	if s, ok := v.(string); ok {
		f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f
	}
	return 0
}
