// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package labelexpr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEnd tokenKind = iota
	tokenAtom
	tokenNot
	tokenAnd
	tokenOr
	tokenImplies
	tokenIff
	tokenOpen
	tokenClose
)

type token struct {
	kind     tokenKind
	text     string
	position int
}

// Parse parses a tag expression. Surrounding whitespace is ignored;
// an empty expression is an error (callers treat "no expression" as
// "no tag requirement" before calling Parse).
func Parse(input string) (Expr, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, tokens: tokens}
	if p.peek().kind == tokenEnd {
		return nil, fmt.Errorf("labelexpr: empty expression")
	}
	expr, err := p.parseIff()
	if err != nil {
		return nil, err
	}
	if next := p.peek(); next.kind != tokenEnd {
		return nil, fmt.Errorf("labelexpr: unexpected %q at offset %d in %q", next.text, next.position, input)
	}
	return expr, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(input string) Expr {
	expr, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return expr
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '!':
			tokens = append(tokens, token{tokenNot, "!", i})
			i++
		case r == '(':
			tokens = append(tokens, token{tokenOpen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenClose, ")", i})
			i++
		case r == '&':
			if i+1 >= len(runes) || runes[i+1] != '&' {
				return nil, fmt.Errorf("labelexpr: lone '&' at offset %d in %q", i, input)
			}
			tokens = append(tokens, token{tokenAnd, "&&", i})
			i += 2
		case r == '|':
			if i+1 >= len(runes) || runes[i+1] != '|' {
				return nil, fmt.Errorf("labelexpr: lone '|' at offset %d in %q", i, input)
			}
			tokens = append(tokens, token{tokenOr, "||", i})
			i += 2
		case r == '<':
			if i+2 >= len(runes) || runes[i+1] != '-' || runes[i+2] != '>' {
				return nil, fmt.Errorf("labelexpr: malformed '<->' at offset %d in %q", i, input)
			}
			tokens = append(tokens, token{tokenIff, "<->", i})
			i += 3
		case r == '-' && i+1 < len(runes) && runes[i+1] == '>':
			tokens = append(tokens, token{tokenImplies, "->", i})
			i += 2
		case r == '"':
			text, next, err := scanQuoted(runes, i, input)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokenAtom, text, i})
			i = next
		default:
			start := i
			for i < len(runes) && isAtomRune(runes, i) {
				i++
			}
			tokens = append(tokens, token{tokenAtom, string(runes[start:i]), start})
		}
	}
	return append(tokens, token{kind: tokenEnd, position: len(runes)}), nil
}

func isAtomRune(runes []rune, i int) bool {
	r := runes[i]
	if unicode.IsSpace(r) || strings.ContainsRune("!&|()<\"", r) {
		return false
	}
	return !(r == '-' && i+1 < len(runes) && runes[i+1] == '>')
}

func scanQuoted(runes []rune, start int, input string) (string, int, error) {
	var builder strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				builder.WriteRune(runes[i])
			}
		case '"':
			return builder.String(), i + 1, nil
		default:
			builder.WriteRune(runes[i])
		}
	}
	return "", 0, fmt.Errorf("labelexpr: unterminated quote at offset %d in %q", start, input)
}

type parser struct {
	input  string
	tokens []token
	index  int
}

func (p *parser) peek() token { return p.tokens[p.index] }

func (p *parser) next() token {
	t := p.tokens[p.index]
	if t.kind != tokenEnd {
		p.index++
	}
	return t
}

func (p *parser) parseIff() (Expr, error) {
	left, err := p.parseImplies()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenIff {
		p.next()
		right, err := p.parseImplies()
		if err != nil {
			return nil, err
		}
		left = binary{op: opIff, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseImplies() (Expr, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenImplies {
		return left, nil
	}
	p.next()
	right, err := p.parseImplies()
	if err != nil {
		return nil, err
	}
	return binary{op: opImplies, left: left, right: right}, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binary{op: opOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binary{op: opAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().kind == tokenNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokenAtom:
		return atom(t.text), nil
	case tokenOpen:
		inner, err := p.parseIff()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenClose {
			return nil, fmt.Errorf("labelexpr: missing ')' at offset %d in %q", closing.position, p.input)
		}
		return inner, nil
	case tokenEnd:
		return nil, fmt.Errorf("labelexpr: unexpected end of expression %q", p.input)
	}
	return nil, fmt.Errorf("labelexpr: unexpected %q at offset %d in %q", t.text, t.position, p.input)
}
