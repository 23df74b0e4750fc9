package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Rule is a named, weighted condition over transaction fields.
type Rule struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Condition is the root of the predicate tree
	Condition *Condition `json:"condition"`

	// Weight in [0,1], contributed to the rules signal when matched
	Weight float64 `json:"weight"`

	// Priority only orders explanations, it never changes the score
	Priority int `json:"priority"`

	// Whether rule is active
	Active bool `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NodeKind identifies the variant held by a Condition.
type NodeKind string

const (
	NodeLeaf    NodeKind = "leaf"
	NodeAnd     NodeKind = "and"
	NodeOr      NodeKind = "or"
	NodeExpr    NodeKind = "expr"
	NodeInvalid NodeKind = ""
)

// Condition is one node of a rule's predicate tree. Exactly one variant is set:
// a comparison leaf (Field, Operator, Value), an And or Or list of children,
// or a CEL expression.
type Condition struct {
	Field    string       `json:"field,omitempty"`
	Operator string       `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	And      []*Condition `json:"and,omitempty"`
	Or       []*Condition `json:"or,omitempty"`
	Expr     string       `json:"expr,omitempty"`
}

// Kind reports which variant the node holds, or NodeInvalid when zero or
// several variants are set.
func (c *Condition) Kind() NodeKind {
	if c == nil {
		return NodeInvalid
	}
	kind := NodeInvalid
	set := 0
	if c.Field != "" || c.Operator != "" {
		kind = NodeLeaf
		set++
	}
	if c.And != nil {
		kind = NodeAnd
		set++
	}
	if c.Or != nil {
		kind = NodeOr
		set++
	}
	if c.Expr != "" {
		kind = NodeExpr
		set++
	}
	if set != 1 {
		return NodeInvalid
	}
	return kind
}

// MarshalJSON writes only the fields of the node's variant. Leaves always
// carry their literal so an empty string survives a round trip.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Kind() == NodeLeaf {
		return json.Marshal(struct {
			Field    string `json:"field"`
			Operator string `json:"operator"`
			Value    any    `json:"value"`
		}{c.Field, c.Operator, c.Value})
	}
	type plain Condition
	return json.Marshal(plain(c))
}

// Leaf builds a comparison node.
func Leaf(field, operator string, value any) *Condition {
	return &Condition{Field: field, Operator: operator, Value: value}
}

// All builds an AND node.
func All(children ...*Condition) *Condition {
	return &Condition{And: children}
}

// Any builds an OR node.
func Any(children ...*Condition) *Condition {
	return &Condition{Or: children}
}

// Expr builds a CEL expression node.
func Expr(expression string) *Condition {
	return &Condition{Expr: expression}
}

// RuleSource supplies the active rule set for a snapshot.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]*Rule, error)
}
