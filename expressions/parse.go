package expressions

import (
	"regexp"
	"strconv"
	"strings"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,63}$`)

// Parse compiles src into an expression owned by port selfID under the
// given role. Transform roles reject any reference to a port other
// than the owner and any temporally-stateful function.
func Parse(selfID, src string, role Role) (*Expression, error) {
	p := &parser{src: src, selfID: selfID, role: role}
	p.skipSpaces()
	if p.eof() {
		return nil, &ParseError{Kind: ParseEmpty, Pos: 1}
	}

	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	p.skipSpaces()
	if !p.eof() {
		if p.cur() == ')' {
			return nil, &ParseError{Kind: ParseUnbalancedParens, Pos: p.pos + 1}
		}
		return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: p.pos + 1,
			Token: string(p.cur())}
	}

	return &Expression{root: root, selfID: selfID, role: role}, nil
}

type parser struct {
	src    string
	pos    int // 0-based byte offset
	selfID string
	role   Role
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) cur() byte { return p.src[p.pos] }

func (p *parser) skipSpaces() {
	for !p.eof() && (p.cur() == ' ' || p.cur() == '\t' || p.cur() == '\n' || p.cur() == '\r') {
		p.pos++
	}
}

func (p *parser) parseExpr() (node, error) {
	p.skipSpaces()
	if p.eof() {
		return nil, &ParseError{Kind: ParseUnexpectedEnd, Pos: p.pos}
	}

	c := p.cur()
	switch {
	case c == '$' || c == '@':
		return p.parsePort()
	case c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.':
		return p.parseNumber()
	case isIdentStart(c):
		return p.parseIdent()
	default:
		return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: p.pos + 1, Token: string(c)}
	}
}

func (p *parser) parsePort() (node, error) {
	marker := p.cur()
	start := p.pos
	p.pos++

	idStart := p.pos
	for !p.eof() && isIdentChar(p.cur()) {
		p.pos++
	}
	id := p.src[idStart:p.pos]

	isSelf := id == ""
	if isSelf {
		id = p.selfID
	} else if !identRe.MatchString(id) {
		return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: start + 1, Token: id}
	}

	if p.role.isTransform() && !isSelf && id != p.selfID {
		return nil, &ParseError{Kind: ParseNonSelfDependency, Pos: start + 1, Token: id}
	}

	if marker == '$' {
		return &portValueNode{portID: id, isSelf: isSelf}, nil
	}
	return &portRefNode{portID: id, isSelf: isSelf}, nil
}

func (p *parser) parseNumber() (node, error) {
	start := p.pos
	if p.cur() == '-' || p.cur() == '+' {
		p.pos++
	}
	for !p.eof() {
		c := p.cur()
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		if c == 'e' || c == 'E' {
			p.pos++
			if !p.eof() && (p.cur() == '-' || p.cur() == '+') {
				p.pos++
			}
			continue
		}
		break
	}

	text := p.src[start:p.pos]
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: start + 1, Token: text}
	}
	return &literalNode{value: value}, nil
}

func (p *parser) parseIdent() (node, error) {
	start := p.pos
	for !p.eof() && isIdentChar(p.cur()) {
		p.pos++
	}
	name := p.src[start:p.pos]

	p.skipSpaces()
	if p.eof() || p.cur() != '(' {
		switch name {
		case "true":
			return &literalNode{value: 1, isBool: true}, nil
		case "false":
			return &literalNode{value: 0, isBool: true}, nil
		case "unavailable":
			return &literalNode{unavailable: true}, nil
		}
		if p.eof() {
			return nil, &ParseError{Kind: ParseUnexpectedEnd, Pos: p.pos}
		}
		return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: p.pos + 1,
			Token: string(p.cur())}
	}

	return p.parseCall(name, start)
}

func (p *parser) parseCall(name string, nameStart int) (node, error) {
	def := lookupFunction(name)
	if def == nil || (def.Enabled != nil && !def.Enabled()) {
		return nil, &ParseError{Kind: ParseUnknownFunction, Pos: nameStart + 1, Token: name}
	}
	if p.role.isTransform() && !def.AllowedInTransforms {
		return nil, &ParseError{Kind: ParseInvalidArgKind, Pos: nameStart + 1, Token: name}
	}

	p.pos++ // consume '('

	var args []node
	p.skipSpaces()
	if p.eof() {
		return nil, &ParseError{Kind: ParseUnbalancedParens, Pos: nameStart + 1, Token: name}
	}

	if p.cur() != ')' {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			p.skipSpaces()
			if p.eof() {
				return nil, &ParseError{Kind: ParseUnbalancedParens, Pos: nameStart + 1, Token: name}
			}
			if p.cur() == ',' {
				p.pos++
				continue
			}
			if p.cur() == ')' {
				break
			}
			return nil, &ParseError{Kind: ParseUnexpectedChar, Pos: p.pos + 1,
				Token: string(p.cur())}
		}
	}
	p.pos++ // consume ')'

	if len(args) < def.MinArgs || (def.MaxArgs >= 0 && len(args) > def.MaxArgs) {
		return nil, &ParseError{Kind: ParseInvalidArgCount, Pos: nameStart + 1, Token: name}
	}

	for i, arg := range args {
		kind := def.argKind(i)
		if kind == kindPortRef {
			if _, ok := arg.(*portRefNode); !ok {
				return nil, &ParseError{Kind: ParseInvalidArgKind, Pos: nameStart + 1, Token: name}
			}
		}
	}

	return &functionNode{def: def, args: args, impl: def.newImpl()}, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.' || c == '-'
}

// functionNode applies a registered function to its arguments. The
// impl cell holds per-instance state for stateful functions; two
// compiled instances of the same source never share state.
type functionNode struct {
	def  *FuncDef
	args []node
	impl funcImpl
}

func (n *functionNode) eval(s *evalState, c *Context) (float64, error) {
	return n.impl.eval(s, c, n.args)
}

func (n *functionNode) collectDeps(set map[string]struct{}) {
	for _, dep := range n.def.Deps {
		set[dep] = struct{}{}
	}
	if n.def.MaskArgDeps {
		return
	}
	for _, arg := range n.args {
		arg.collectDeps(set)
	}
}

func (n *functionNode) walkPortValues(visit func(string)) {
	for _, arg := range n.args {
		arg.walkPortValues(visit)
	}
}

func (n *functionNode) String() string {
	parts := make([]string, len(n.args))
	for i, arg := range n.args {
		parts[i] = arg.String()
	}
	return n.def.Name + "(" + strings.Join(parts, ", ") + ")"
}

// evalArgs evaluates all arguments, propagating the first error.
// Results keep argument order.
func evalArgs(s *evalState, c *Context, args []node) ([]float64, error) {
	values := make([]float64, len(args))
	for i, arg := range args {
		v, err := arg.eval(s, c)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}
