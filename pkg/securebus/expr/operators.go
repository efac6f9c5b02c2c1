package expr

import (
	"fmt"
	"strings"
)

// Compare applies a builtin operator to two resolved values.
func Compare(left, right any, op string) (bool, error) {
	for _, b := range builtinOps {
		if strings.TrimSpace(b.op) == op {
			return b.compare(left, right), nil
		}
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}

func text(v any) string { return fmt.Sprintf("%v", v) }

// compareEquals is numeric when both sides are numbers, textual otherwise.
// Payload numbers decode as float64 while literals parse as int64.
func compareEquals(left, right any) bool {
	l, lok := numeric(left)
	r, rok := numeric(right)
	if lok && rok {
		return l == r
	}
	return text(left) == text(right)
}

func compareNotEquals(left, right any) bool { return !compareEquals(left, right) }

// ordered builds a comparison over the float64 projection of both sides.
func ordered(cmp func(l, r float64) bool) BinaryOp {
	return func(left, right any) bool {
		return cmp(ToFloat64(left), ToFloat64(right))
	}
}

var (
	compareLT  = ordered(func(l, r float64) bool { return l < r })
	compareGT  = ordered(func(l, r float64) bool { return l > r })
	compareLTE = ordered(func(l, r float64) bool { return l <= r })
	compareGTE = ordered(func(l, r float64) bool { return l >= r })
)

// compareContains tests list membership for arrays and substrings otherwise.
func compareContains(left, right any) bool {
	list, ok := left.([]any)
	if !ok {
		return strings.Contains(text(left), text(right))
	}
	for _, el := range list {
		if compareEquals(el, right) {
			return true
		}
	}
	return false
}
