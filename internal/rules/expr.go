package rules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// The rule expression language is deliberately tiny: boolean and string
// literals, null, equality and inequality, &&, ||, !, parentheses, and
// dotted dereference into the evaluation environment (auth.userId, bound
// path variables). Anything else fails to parse, and a parse failure denies.

type exprKind int

const (
	exprBool exprKind = iota
	exprString
	exprNull
	exprVar
	exprNot
	exprAnd
	exprOr
	exprEq
	exprNeq
)

type exprNode struct {
	kind  exprKind
	b     bool
	s     string   // string literal
	path  []string // dotted variable reference
	left  *exprNode
	right *exprNode
}

var errEval = errors.New("rules: evaluation error")

// value is the runtime type of an expression result: bool, string, or nil.
type value any

// ParseExpr compiles a rule expression into an AST.
func ParseExpr(src string) (*exprNode, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("rules: unexpected token %q", p.peek().text)
	}
	return node, nil
}

// Eval evaluates an AST against an environment. The result must be a
// boolean; anything else is an evaluation error.
func Eval(n *exprNode, env map[string]any) (bool, error) {
	v, err := evalNode(n, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errEval
	}
	return b, nil
}

func evalNode(n *exprNode, env map[string]any) (value, error) {
	switch n.kind {
	case exprBool:
		return n.b, nil
	case exprString:
		return n.s, nil
	case exprNull:
		return nil, nil
	case exprVar:
		return resolveVar(n.path, env)
	case exprNot:
		v, err := evalNode(n.left, env)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, errEval
		}
		return !b, nil
	case exprAnd:
		l, err := evalNode(n.left, env)
		if err != nil {
			return nil, err
		}
		lb, ok := l.(bool)
		if !ok {
			return nil, errEval
		}
		if !lb {
			return false, nil
		}
		r, err := evalNode(n.right, env)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, errEval
		}
		return rb, nil
	case exprOr:
		l, err := evalNode(n.left, env)
		if err != nil {
			return nil, err
		}
		lb, ok := l.(bool)
		if !ok {
			return nil, errEval
		}
		if lb {
			return true, nil
		}
		r, err := evalNode(n.right, env)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, errEval
		}
		return rb, nil
	case exprEq, exprNeq:
		l, err := evalNode(n.left, env)
		if err != nil {
			return nil, err
		}
		r, err := evalNode(n.right, env)
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(l, r)
		if n.kind == exprNeq {
			return !eq, nil
		}
		return eq, nil
	}
	return nil, errEval
}

func valuesEqual(l, r value) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	switch lv := l.(type) {
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	}
	return false
}

// resolveVar walks a dotted reference through nested maps. An unresolved
// segment is an evaluation error, which the engine collapses into deny.
func resolveVar(path []string, env map[string]any) (value, error) {
	var cur any = env
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errEval
		}
		cur, ok = m[seg]
		if !ok {
			return nil, errEval
		}
	}
	switch v := cur.(type) {
	case bool, string, nil:
		return v, nil
	}
	return nil, errEval
}

// Lexer.

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokDot
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokNeq, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!"})
				i++
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokEq, "=="})
				i += 2
			} else {
				return nil, fmt.Errorf("rules: single '=' at offset %d", i)
			}
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				toks = append(toks, token{tokAnd, "&&"})
				i += 2
			} else {
				return nil, fmt.Errorf("rules: single '&' at offset %d", i)
			}
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{tokOr, "||"})
				i += 2
			} else {
				return nil, fmt.Errorf("rules: single '|' at offset %d", i)
			}
		case c == '\'':
			end := strings.IndexByte(src[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("rules: unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end]})
			i += end + 2
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("rules: unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Parser.

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) eof() bool      { return p.pos >= len(p.toks) }
func (p *exprParser) peek() token    { return p.toks[p.pos] }
func (p *exprParser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *exprParser) accept(k tokKind) bool {
	if !p.eof() && p.toks[p.pos].kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (*exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &exprNode{kind: exprOr, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (*exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokAnd) {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &exprNode{kind: exprAnd, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (*exprNode, error) {
	if p.accept(tokNot) {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exprNot, left: inner}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (*exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.eof() {
		return left, nil
	}
	switch p.peek().kind {
	case tokEq:
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exprEq, left: left, right: right}, nil
	case tokNeq:
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exprNeq, left: left, right: right}, nil
	}
	return left, nil
}

func (p *exprParser) parsePrimary() (*exprNode, error) {
	if p.eof() {
		return nil, errors.New("rules: unexpected end of expression")
	}
	t := p.advance()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen) {
			return nil, errors.New("rules: missing closing parenthesis")
		}
		return inner, nil
	case tokString:
		return &exprNode{kind: exprString, s: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &exprNode{kind: exprBool, b: true}, nil
		case "false":
			return &exprNode{kind: exprBool, b: false}, nil
		case "null":
			return &exprNode{kind: exprNull}, nil
		}
		path := []string{t.text}
		for p.accept(tokDot) {
			if p.eof() || p.peek().kind != tokIdent {
				return nil, errors.New("rules: dangling '.' in variable reference")
			}
			path = append(path, p.advance().text)
		}
		return &exprNode{kind: exprVar, path: path}, nil
	}
	return nil, fmt.Errorf("rules: unexpected token %q", t.text)
}
