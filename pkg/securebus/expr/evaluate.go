package expr

import (
	"fmt"
	"strings"

	"github.com/tidwall/match"
)

// BinaryOp is a function that compares two values and returns a boolean result.
type BinaryOp func(left, right any) bool

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom binary operator.
// The operator name should not conflict with built-in operators.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a boolean expression against the provided variables.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	return e.evaluateCondition(expr, vars)
}

// EvaluatePayload evaluates expr against an event payload. Non-object
// payloads are exposed as the single variable "payload".
func (e *Evaluator) EvaluatePayload(expr string, payload any) (bool, error) {
	vars, ok := payload.(map[string]any)
	if !ok {
		vars = map[string]any{"payload": payload}
	}
	return e.evaluateCondition(expr, vars)
}

// Check reports a syntax problem in expr without evaluating it.
func (e *Evaluator) Check(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("empty expression")
	}
	if strings.Count(expr, "'")%2 != 0 || strings.Count(expr, "\"")%2 != 0 {
		return fmt.Errorf("unbalanced quotes in %q", expr)
	}
	fields := strings.Fields(expr)
	prevLogical := true
	for _, f := range fields {
		logical := f == "and" || f == "or"
		if logical && prevLogical {
			return fmt.Errorf("dangling logical operator in %q", expr)
		}
		prevLogical = logical
	}
	if prevLogical {
		return fmt.Errorf("dangling logical operator in %q", expr)
	}
	return nil
}

// Eval is a convenience function that evaluates an expression using
// the default evaluator (no custom operators).
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

// builtinOps is ordered longest operator first to avoid partial matches.
var builtinOps = []struct {
	op      string
	compare BinaryOp
}{
	{"==", compareEquals},
	{"!=", compareNotEquals},
	{">=", compareGTE},
	{"<=", compareLTE},
	{">", compareGT},
	{"<", compareLT},
	{" contains ", compareContains},
	{" like ", compareLike},
}

// evaluateCondition evaluates a condition expression.
func (e *Evaluator) evaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	// OR binds loosest
	if parts := strings.SplitN(expr, " or ", 2); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return e.evaluateCondition(parts[1], vars)
	}

	if parts := strings.SplitN(expr, " and ", 2); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return e.evaluateCondition(parts[1], vars)
	}

	if strings.HasPrefix(expr, "not ") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "not "), vars)
		return !result, err
	}
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "!"), vars)
		return !result, err
	}

	for _, op := range builtinOps {
		if parts := strings.SplitN(expr, op.op, 2); len(parts) == 2 {
			left := Resolve(parts[0], vars)
			right := Resolve(parts[1], vars)
			return op.compare(left, right), nil
		}
	}

	// Custom operators need word boundaries
	for name, fn := range e.customOps {
		if parts := strings.SplitN(expr, " "+name+" ", 2); len(parts) == 2 {
			return fn(Resolve(parts[0], vars), Resolve(parts[1], vars)), nil
		}
	}

	return IsTruthy(Resolve(expr, vars)), nil
}

func compareLike(left, right any) bool {
	return match.Match(text(left), text(right))
}
