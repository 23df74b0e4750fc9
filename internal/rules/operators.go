package rules

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Operator compares a resolved field value against a rule literal.
// Operators never fail: a type mismatch is simply false.
type Operator func(actual, literal any) bool

var (
	operatorsMu sync.RWMutex
	operators   = make(map[string]Operator)
)

// RegisterOperator adds or replaces a named operator. The condition walker
// looks operators up by name, so new comparisons need no walker changes.
func RegisterOperator(name string, op Operator) {
	operatorsMu.Lock()
	defer operatorsMu.Unlock()
	operators[name] = op
}

// LookupOperator returns the operator registered under name.
func LookupOperator(name string) (Operator, bool) {
	operatorsMu.RLock()
	defer operatorsMu.RUnlock()
	op, ok := operators[name]
	return op, ok
}

func init() {
	RegisterOperator("eq", opEq)
	RegisterOperator("ne", opNe)
	RegisterOperator("neq", opNe)
	RegisterOperator("gt", numeric(func(c int) bool { return c > 0 }))
	RegisterOperator("gte", numeric(func(c int) bool { return c >= 0 }))
	RegisterOperator("lt", numeric(func(c int) bool { return c < 0 }))
	RegisterOperator("lte", numeric(func(c int) bool { return c <= 0 }))
	RegisterOperator("in", opIn)
	RegisterOperator("not_in", opNotIn)
	RegisterOperator("contains", opContains)
}

func opEq(actual, literal any) bool {
	eq, ok := equalValues(actual, literal)
	return ok && eq
}

func opNe(actual, literal any) bool {
	eq, ok := equalValues(actual, literal)
	return ok && !eq
}

// numeric builds an ordering operator from a comparison predicate over Cmp.
func numeric(pred func(int) bool) Operator {
	return func(actual, literal any) bool {
		a, ok := toDecimal(actual)
		if !ok {
			return false
		}
		b, ok := toDecimal(literal)
		if !ok {
			return false
		}
		return pred(a.Cmp(b))
	}
}

func opIn(actual, literal any) bool {
	list, ok := toList(literal)
	if !ok {
		return false
	}
	return member(actual, list)
}

func opNotIn(actual, literal any) bool {
	list, ok := toList(literal)
	if !ok {
		return false
	}
	return !member(actual, list)
}

// opContains is a case-insensitive substring test on strings, or a
// membership test when the field itself is a list.
func opContains(actual, literal any) bool {
	if list, ok := toList(actual); ok {
		return member(literal, list)
	}
	s, ok := actual.(string)
	if !ok {
		return false
	}
	sub, ok := literal.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func member(v any, list []any) bool {
	for _, item := range list {
		if eq, ok := equalValues(v, item); ok && eq {
			return true
		}
	}
	return false
}

// equalValues compares two values of compatible types. ok is false when the
// types cannot be compared. Booleans compare against "true"/"false" strings
// since JSON metadata carries flags both ways.
func equalValues(a, b any) (eq bool, ok bool) {
	if da, isNum := toDecimal(a); isNum {
		if db, isNum := toDecimal(b); isNum {
			return da.Equal(db), true
		}
		return false, false
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv, true
		case bool:
			return strings.EqualFold(av, strconv.FormatBool(bv)), true
		}
	case bool:
		switch bv := b.(type) {
		case bool:
			return av == bv, true
		case string:
			return strings.EqualFold(bv, strconv.FormatBool(av)), true
		}
	}
	return false, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Decimal{}, false
		}
		return *n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
