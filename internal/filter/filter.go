// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package filter models bulk-read filter criteria as an immutable tree of
// criteria and AND/OR groups, built from a declarative nested description.
package filter

import (
	"fmt"
	"strings"
)

// Comparator is a criterion comparison operator.
type Comparator string

// Supported comparators.
const (
	Equal        Comparator = "equal"
	NotEqual     Comparator = "not_equal"
	In           Comparator = "in"
	NotIn        Comparator = "not_in"
	Between      Comparator = "between"
	NotBetween   Comparator = "not_between"
	GreaterThan  Comparator = "greater_than"
	GreaterEqual Comparator = "greater_equal"
	LessThan     Comparator = "less_than"
	LessEqual    Comparator = "less_equal"
)

var comparators = map[Comparator]struct{}{
	Equal: {}, NotEqual: {}, In: {}, NotIn: {}, Between: {},
	NotBetween: {}, GreaterThan: {}, GreaterEqual: {}, LessThan: {}, LessEqual: {},
}

// ParseComparator validates a comparator name.
func ParseComparator(s string) (Comparator, error) {
	c := Comparator(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := comparators[c]; !ok {
		return "", fmt.Errorf("unknown comparator %q", s)
	}
	return c, nil
}

// Operator joins the children of a group.
type Operator string

// Group operators.
const (
	And Operator = "and"
	Or  Operator = "or"
)

// ParseOperator validates a group operator name (case-insensitive).
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(strings.ToLower(strings.TrimSpace(s))); op {
	case And, Or:
		return op, nil
	default:
		return "", fmt.Errorf("unknown group operator %q", s)
	}
}

// Node is either a *Criterion or a *Group. The set of variants is closed.
type Node interface {
	node()
	String() string
}

// Criterion is a single field/comparator/value condition.
type Criterion struct {
	field      string
	comparator Comparator
	values     []string
	multi      bool
}

// NewCriterion builds a criterion with a single value.
func NewCriterion(field string, c Comparator, value string) *Criterion {
	return &Criterion{field: field, comparator: c, values: []string{value}}
}

// NewListCriterion builds a criterion whose value is a list.
func NewListCriterion(field string, c Comparator, values []string) *Criterion {
	return &Criterion{field: field, comparator: c, values: append([]string(nil), values...), multi: true}
}

func (*Criterion) node() {}

// Field returns the field API name.
func (c *Criterion) Field() string { return c.field }

// Comparator returns the comparison operator.
func (c *Criterion) Comparator() Comparator { return c.comparator }

// Values returns a copy of the criterion values.
func (c *Criterion) Values() []string { return append([]string(nil), c.values...) }

// IsList reports whether the value was declared as a list.
func (c *Criterion) IsList() bool { return c.multi }

func (c *Criterion) String() string {
	if c.multi {
		return fmt.Sprintf("%s %s [%s]", c.field, c.comparator, strings.Join(c.values, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.field, c.comparator, c.values[0])
}

// Group combines child nodes with a boolean operator.
type Group struct {
	operator Operator
	children []Node
}

// NewGroup builds a group. The children slice is copied.
func NewGroup(op Operator, children ...Node) *Group {
	return &Group{operator: op, children: append([]Node(nil), children...)}
}

func (*Group) node() {}

// Operator returns the group operator.
func (g *Group) Operator() Operator { return g.operator }

// Children returns a copy of the child nodes in declaration order.
func (g *Group) Children() []Node { return append([]Node(nil), g.children...) }

func (g *Group) String() string {
	parts := make([]string, len(g.children))
	for i, ch := range g.children {
		parts[i] = ch.String()
	}
	return "(" + strings.Join(parts, " "+strings.ToUpper(string(g.operator))+" ") + ")"
}

// Depth returns the nesting depth of n: 1 for a criterion, 1 + deepest child for a group.
func Depth(n Node) int {
	switch v := n.(type) {
	case *Criterion:
		return 1
	case *Group:
		deepest := 0
		for _, ch := range v.children {
			if d := Depth(ch); d > deepest {
				deepest = d
			}
		}
		return 1 + deepest
	default:
		return 0
	}
}
