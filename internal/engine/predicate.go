package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Predicate is a compiled step condition.
//
// Grammar:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | cmp
//	cmp     = operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand = ident | number | string | "true" | "false" | "null" | "(" expr ")"
//
// Identifiers are dotted paths into the run state. An identifier that does
// not resolve evaluates to nil, which is false.
type Predicate struct {
	src  string
	root node
}

// CompilePredicate parses src. An empty source compiles to a predicate that
// always holds.
func CompilePredicate(src string) (*Predicate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Predicate{}, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.expr()
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("predicate %q: unexpected %q", src, p.peek().text)
	}
	return &Predicate{src: src, root: root}, nil
}

// String returns the source text.
func (p *Predicate) String() string { return p.src }

// Eval evaluates the predicate against vars.
func (p *Predicate) Eval(vars map[string]any) bool {
	if p == nil || p.root == nil {
		return true
	}
	return truthy(p.root.eval(vars))
}

type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

func (l literal) eval(map[string]any) any { return l.v }

type ident struct{ path string }

func (id ident) eval(vars map[string]any) any { return lookup(vars, id.path) }

type not struct{ x node }

func (n not) eval(vars map[string]any) any { return !truthy(n.x.eval(vars)) }

type logical struct {
	and  bool
	l, r node
}

func (b logical) eval(vars map[string]any) any {
	l := truthy(b.l.eval(vars))
	if b.and {
		return l && truthy(b.r.eval(vars))
	}
	return l || truthy(b.r.eval(vars))
}

type compare struct {
	op   string
	l, r node
}

func (c compare) eval(vars map[string]any) any {
	l, r := normalize(c.l.eval(vars)), normalize(c.r.eval(vars))
	switch c.op {
	case "==":
		return l == r
	case "!=":
		return l != r
	}
	// Ordering only applies to two numbers or two strings.
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			return false
		}
		return order(c.op, cmpFloat(lv, rv))
	case string:
		rv, ok := r.(string)
		if !ok {
			return false
		}
		return order(c.op, strings.Compare(lv, rv))
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func order(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// lookup resolves a dotted path. A flat key holding the whole path wins
// over nested maps.
func lookup(vars map[string]any, path string) any {
	if v, ok := vars[path]; ok {
		return v
	}
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return cur
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case uint:
		return float64(n)
	}
	return v
}

func truthy(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(rs) && rs[j] != c {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{tokString, string(rs[i+1 : j])})
			i = j + 1
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, string(rs[i:j])})
			i = j
		default:
			op := ""
			if i+1 < len(rs) {
				switch two := string(rs[i : i+2]); two {
				case "&&", "||", "==", "!=", "<=", ">=":
					op = two
				}
			}
			if op == "" {
				switch c {
				case '!', '<', '>':
					op = string(c)
				default:
					return nil, fmt.Errorf("unexpected %q at %d", c, i)
				}
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) expr() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = logical{l: l, r: r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = logical{and: true, l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	if p.isOp("!") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return not{x}, nil
	}
	return p.cmp()
}

func (p *parser) cmp() (node, error) {
	l, err := p.operand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.operand()
			if err != nil {
				return nil, err
			}
			return compare{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *parser) operand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing )")
		}
		return x, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return literal{f}, nil
	case tokString:
		return literal{t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		}
		return ident{t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}
