// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package labelexpr

import (
	"fmt"
	"sort"
	"strings"
)

// Set is a set of labels assigned to a target.
type Set map[string]struct{}

// NewSet builds a Set from labels, ignoring empty strings.
func NewSet(labels ...string) Set {
	set := make(Set, len(labels))
	for _, label := range labels {
		if label != "" {
			set[label] = struct{}{}
		}
	}
	return set
}

// Has reports whether label is in the set.
func (s Set) Has(label string) bool {
	_, ok := s[label]
	return ok
}

// Expr is a parsed tag expression.
type Expr interface {
	// Matches reports whether a target carrying labels satisfies the
	// expression.
	Matches(labels Set) bool

	// String renders the expression in canonical form.
	String() string

	atoms(into map[string]struct{})
}

// Atoms returns the distinct atoms referenced by expr, sorted. Negated
// atoms are included: the atoms of "!linux" are ["linux"].
func Atoms(expr Expr) []string {
	collected := make(map[string]struct{})
	expr.atoms(collected)
	result := make([]string, 0, len(collected))
	for atom := range collected {
		result = append(result, atom)
	}
	sort.Strings(result)
	return result
}

type atom string

func (a atom) Matches(labels Set) bool { return labels.Has(string(a)) }

func (a atom) String() string {
	if strings.ContainsAny(string(a), " \t!&|()<\"") || strings.Contains(string(a), "->") {
		return fmt.Sprintf("%q", string(a))
	}
	return string(a)
}

func (a atom) atoms(into map[string]struct{}) { into[string(a)] = struct{}{} }

type not struct{ operand Expr }

func (n not) Matches(labels Set) bool { return !n.operand.Matches(labels) }
func (n not) String() string          { return "!" + wrap(n.operand) }
func (n not) atoms(into map[string]struct{}) {
	n.operand.atoms(into)
}

type operator int

const (
	opAnd operator = iota
	opOr
	opImplies
	opIff
)

var operatorTokens = map[operator]string{
	opAnd:     "&&",
	opOr:      "||",
	opImplies: "->",
	opIff:     "<->",
}

type binary struct {
	op          operator
	left, right Expr
}

func (b binary) Matches(labels Set) bool {
	switch b.op {
	case opAnd:
		return b.left.Matches(labels) && b.right.Matches(labels)
	case opOr:
		return b.left.Matches(labels) || b.right.Matches(labels)
	case opImplies:
		return !b.left.Matches(labels) || b.right.Matches(labels)
	case opIff:
		return b.left.Matches(labels) == b.right.Matches(labels)
	}
	return false
}

func (b binary) String() string {
	return wrap(b.left) + operatorTokens[b.op] + wrap(b.right)
}

func (b binary) atoms(into map[string]struct{}) {
	b.left.atoms(into)
	b.right.atoms(into)
}

func wrap(expr Expr) string {
	if _, ok := expr.(binary); ok {
		return "(" + expr.String() + ")"
	}
	return expr.String()
}
