package tagquery

import (
	"fmt"
	"strings"
)

// ParseError reports a query rejected by the parser, with the byte
// position of the offending input.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid query at position %d: %s", e.Pos, e.Message)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokEquals
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' || r == '*' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '=':
			tokens = append(tokens, token{tokEquals, "=", i})
			i++
		case isIdentRune(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			text := string(runes[start:i])
			switch strings.ToUpper(text) {
			case "AND":
				tokens = append(tokens, token{tokAnd, text, start})
			case "OR":
				tokens = append(tokens, token{tokOr, text, start})
			case "NOT":
				tokens = append(tokens, token{tokNot, text, start})
			default:
				tokens = append(tokens, token{tokIdent, normalizeIdent(text), start})
			}
		default:
			return nil, &ParseError{Pos: i, Message: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(runes)})
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// Parse parses a tag query into its AST. Grammar, loosest to tightest:
//
//	Query  := OrExpr
//	OrExpr := AndExpr ( "OR" AndExpr )*
//	AndExpr := NotExpr ( "AND" NotExpr )*
//	NotExpr := "NOT" NotExpr | Primary
//	Primary := "(" OrExpr ")" | ident "=" ident
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &ParseError{Pos: 0, Message: "empty query"}
	}

	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if t := p.peek(); t.kind != tokEOF {
		if t.kind == tokRParen {
			return nil, &ParseError{Pos: t.pos, Message: "unbalanced parentheses"}
		}
		return nil, &ParseError{Pos: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
	}
	return node, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &AndNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if t := p.peek(); t.kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &ParseError{Pos: closing.pos, Message: "unbalanced parentheses"}
		}
		return node, nil

	case tokIdent:
		return p.parseMatch(t)

	case tokEOF:
		return nil, &ParseError{Pos: t.pos, Message: "missing operand"}

	default:
		return nil, &ParseError{Pos: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
	}
}

func (p *parser) parseMatch(key token) (Node, error) {
	if strings.Contains(key.text, "*") {
		return nil, &ParseError{Pos: key.pos, Message: "wildcard not allowed in key"}
	}

	eq := p.next()
	if eq.kind != tokEquals {
		return nil, &ParseError{Pos: eq.pos, Message: "expected '=' after key"}
	}

	value := p.next()
	if value.kind != tokIdent {
		return nil, &ParseError{Pos: value.pos, Message: "missing value"}
	}

	if strings.Contains(value.text, "*") {
		return &WildcardNode{
			Key:     key.text,
			Pattern: value.text,
			re:      compilePattern(value.text),
		}, nil
	}
	return &MatchNode{Key: key.text, Value: value.text}, nil
}
