package rules

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/sentinel/internal/domain"
)

var (
	// ErrInvalidCondition is returned for malformed condition trees.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrUnknownOperator is returned when a leaf names an unregistered operator.
	ErrUnknownOperator = errors.New("unknown operator")
)

const maxConditionDepth = 32

// node is the compiled form of a domain.Condition.
type node struct {
	kind domain.NodeKind

	// leaf
	field    string
	operator string
	literal  any
	op       Operator

	// and / or
	children []*node

	// expr
	expr    string
	program cel.Program
}

// compileCondition validates and compiles a condition tree. In strict mode an
// unregistered operator is an error; otherwise the leaf is kept and evaluates
// to false with a note.
func (e *Engine) compileCondition(c *domain.Condition, depth int, strict bool) (*node, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidCondition, maxConditionDepth)
	}

	switch c.Kind() {
	case domain.NodeLeaf:
		if c.Field == "" || c.Operator == "" {
			return nil, fmt.Errorf("%w: leaf requires field and operator", ErrInvalidCondition)
		}
		op, ok := LookupOperator(c.Operator)
		if !ok && strict {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
		}
		return &node{
			kind:     domain.NodeLeaf,
			field:    c.Field,
			operator: c.Operator,
			literal:  c.Value,
			op:       op,
		}, nil

	case domain.NodeAnd, domain.NodeOr:
		kind := c.Kind()
		list := c.And
		if kind == domain.NodeOr {
			list = c.Or
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: %s requires at least one child", ErrInvalidCondition, kind)
		}
		n := &node{kind: kind, children: make([]*node, 0, len(list))}
		for _, child := range list {
			compiled, err := e.compileCondition(child, depth+1, strict)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, compiled)
		}
		return n, nil

	case domain.NodeExpr:
		ast, issues := e.env.Compile(c.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: failed to compile expression: %w", ErrInvalidCondition, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidCondition, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program: %w", err)
		}
		return &node{kind: domain.NodeExpr, expr: c.Expr, program: program}, nil
	}

	return nil, fmt.Errorf("%w: node must set exactly one of field/operator, and, or, expr", ErrInvalidCondition)
}

// evalState accumulates the trace of one rule evaluation.
type evalState struct {
	tx          *domain.Transaction
	vars        map[string]any
	comparisons []domain.Comparison
	notes       []string
}

func (s *evalState) note(format string, args ...any) {
	s.notes = append(s.notes, fmt.Sprintf(format, args...))
}

func (s *evalState) activation() map[string]any {
	if s.vars == nil {
		s.vars = activation(s.tx)
	}
	return s.vars
}

// eval walks the tree left to right, short-circuiting AND and OR.
func (n *node) eval(s *evalState) bool {
	switch n.kind {
	case domain.NodeLeaf:
		if n.op == nil {
			s.note("unknown operator %q", n.operator)
			return false
		}
		actual, ok := ResolveField(s.tx, n.field)
		if !ok {
			s.note("unknown field %q", n.field)
			return false
		}
		result := n.op(actual, n.literal)
		s.comparisons = append(s.comparisons, domain.Comparison{
			Field:    n.field,
			Operator: n.operator,
			Actual:   actual,
			Literal:  n.literal,
			Result:   result,
		})
		return result

	case domain.NodeAnd:
		for _, child := range n.children {
			if !child.eval(s) {
				return false
			}
		}
		return true

	case domain.NodeOr:
		for _, child := range n.children {
			if child.eval(s) {
				return true
			}
		}
		return false

	case domain.NodeExpr:
		out, _, err := n.program.Eval(s.activation())
		if err != nil {
			s.note("expression error: %v", err)
			return false
		}
		b, ok := out.(types.Bool)
		if !ok {
			s.note("expression returned %s, not bool", out.Type().TypeName())
			return false
		}
		s.comparisons = append(s.comparisons, domain.Comparison{Expr: n.expr, Result: bool(b)})
		return bool(b)
	}
	return false
}
