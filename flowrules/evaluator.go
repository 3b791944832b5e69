package flowrules

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Diagnostics collects non-fatal observations during evaluation and
// execution. It is a side channel: a degraded condition still folds as
// false, but the reason is kept for the run report. A nil *Diagnostics
// discards everything, so callers that don't care can pass nil.
type Diagnostics struct {
	entries []string
}

// Addf records a formatted diagnostic entry.
func (d *Diagnostics) Addf(format string, args ...any) {
	if d == nil {
		return
	}
	d.entries = append(d.entries, fmt.Sprintf(format, args...))
}

// Entries returns the collected diagnostics in record order.
func (d *Diagnostics) Entries() []string {
	if d == nil || len(d.entries) == 0 {
		return nil
	}
	out := make([]string, len(d.entries))
	copy(out, d.entries)
	return out
}

// EvaluateConditions folds an ordered condition list against a snapshot
// into a single boolean match.
//
// Conditions are folded left to right: the accumulator starts as the
// result of condition 0, and each later condition combines with it
// using the LogicalOperator recorded on the condition before it. The
// fold is left-associative, so [A AND B OR C] reads (A AND B) OR C.
// Steps whose outcome is already decided (AND with a false accumulator,
// OR with a true one) are skipped; conditions are pure, so skipping is
// unobservable.
//
// An empty list always matches. Nothing panics out of here: a condition
// that cannot be evaluated degrades to false and is recorded on diags.
func EvaluateConditions(conditions []RuleCondition, snapshot FieldSnapshot, diags *Diagnostics) bool {
	if len(conditions) == 0 {
		return true
	}

	ordered := sortedConditions(conditions)

	acc := evaluateCondition(ordered[0], snapshot, diags)
	for i := 1; i < len(ordered); i++ {
		combinator := ordered[i-1].LogicalOperator
		if combinator != LogicalOr {
			combinator = LogicalAnd
		}

		// Short-circuit when the step cannot change the accumulator.
		if combinator == LogicalAnd && !acc {
			continue
		}
		if combinator == LogicalOr && acc {
			continue
		}

		acc = evaluateCondition(ordered[i], snapshot, diags)
	}
	return acc
}

// sortedConditions returns the conditions in ascending Order. The
// caller is supposed to hand us a sorted list, but we sort defensively;
// equal Order values keep their list position.
func sortedConditions(conditions []RuleCondition) []RuleCondition {
	ordered := make([]RuleCondition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})
	return ordered
}

// evaluateCondition evaluates one comparison. It never panics: any
// internal failure degrades the condition to false with a diagnostic.
func evaluateCondition(c RuleCondition, snapshot FieldSnapshot, diags *Diagnostics) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			diags.Addf("condition order=%d field=%q: internal error: %v", c.Order, c.Field, r)
			result = false
		}
	}()

	field, found := ResolvePath(snapshot, c.Field)

	// equals/not_equals are the only operators defined against a
	// missing field: a missing field equals an authored null.
	switch c.Operator {
	case OperatorEquals:
		if !found {
			return c.Value == nil
		}
		return looseEqual(field, c.Value)
	case OperatorNotEquals:
		if !found {
			return c.Value != nil
		}
		return !looseEqual(field, c.Value)
	}

	if !found {
		return false
	}

	switch c.Operator {
	case OperatorContains:
		return containsValue(field, c.Value, diags, c.Order)
	case OperatorGreaterThan:
		f, okF := toFloat(field)
		v, okV := toFloat(c.Value)
		return okF && okV && f > v
	case OperatorLessThan:
		f, okF := toFloat(field)
		v, okV := toFloat(c.Value)
		return okF && okV && f < v
	case OperatorIn:
		return inList(field, c.Value)
	case OperatorNotIn:
		return !inList(field, c.Value)
	}

	// Unknown operators are rejected at authoring time; an unvalidated
	// rule that sneaks one through degrades to false.
	diags.Addf("condition order=%d field=%q: unknown operator %q", c.Order, c.Field, c.Operator)
	return false
}

// looseEqual compares two values, allowing cross-type numeric equality
// (decoded JSON numbers are float64 while authored values may be ints).
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// containsValue implements the contains operator: substring match for
// string fields, membership for array fields. Other field types are a
// type mismatch and evaluate false rather than poisoning the rule.
func containsValue(field, value any, diags *Diagnostics, order int) bool {
	switch f := field.(type) {
	case string:
		return strings.Contains(f, stringifyValue(value))
	case []any:
		for _, elem := range f {
			if looseEqual(elem, value) {
				return true
			}
		}
		return false
	case []string:
		want := stringifyValue(value)
		for _, elem := range f {
			if elem == want {
				return true
			}
		}
		return false
	default:
		diags.Addf("condition order=%d: contains requires string or array field, got %T", order, field)
		return false
	}
}

// inList implements the in operator. The authored value is expected to
// be an array; a single value is treated as a one-element array. An
// array-valued field matches when any of its elements is in the set.
func inList(field, value any) bool {
	set := valueList(value)
	if elems, ok := field.([]any); ok {
		for _, elem := range elems {
			for _, candidate := range set {
				if looseEqual(elem, candidate) {
					return true
				}
			}
		}
		return false
	}
	for _, candidate := range set {
		if looseEqual(field, candidate) {
			return true
		}
	}
	return false
}

func valueList(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// toFloat coerces the numeric shapes that appear in decoded JSON,
// JSONB columns, and hand-built snapshots. Numeric strings coerce too;
// anything else does not.
func toFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringifyValue renders a resolved value for substring matching and
// placeholder substitution. Floats render without exponent notation so
// {{asset.purchasePrice}} reads like the original number.
func stringifyValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", s)
	}
}
