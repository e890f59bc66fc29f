package graph

import (
	"fmt"
	"strings"
)

// Parse parses a constrained DOT digraph into the attractor graph model.
// It strips comments, flattens subgraphs, applies scoped node/edge defaults,
// expands chained edges, and derives stylesheet classes from subgraph labels.
func Parse(src []byte) (*Graph, error) {
	clean, err := stripComments(src)
	if err != nil {
		return nil, err
	}
	p := &parser{lx: newLexer(clean)}
	if err := p.read(); err != nil {
		return nil, err
	}
	return p.parseGraph()
}

type parser struct {
	lx   *lexer
	peek token
	has  bool
}

func (p *parser) read() error {
	if p.has {
		return nil
	}
	tok, err := p.lx.next()
	if err != nil {
		return err
	}
	p.peek = tok
	p.has = true
	return nil
}

func (p *parser) next() (token, error) {
	if err := p.read(); err != nil {
		return token{}, err
	}
	tok := p.peek
	p.has = false
	return tok, nil
}

func (p *parser) expectSymbol(sym string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	if tok.typ != tokenSymbol || tok.lit != sym {
		return fmt.Errorf("graph parse: expected %q, got %q at %d", sym, tok.lit, tok.pos)
	}
	return nil
}

func (p *parser) parseGraph() (*Graph, error) {
	// digraph <Identifier> { ... }
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	if tok.typ != tokenIdent || tok.lit != "digraph" {
		return nil, fmt.Errorf("graph parse: expected \"digraph\", got %q at %d", tok.lit, tok.pos)
	}
	nameTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if nameTok.typ != tokenIdent {
		return nil, fmt.Errorf("graph parse: expected graph identifier, got %q at %d", nameTok.lit, nameTok.pos)
	}
	g := NewGraph(nameTok.lit)
	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	root := newScope(nil)
	if err := p.parseStatements(g, root); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("}"); err != nil {
		return nil, err
	}
	// One digraph per file: allow an optional trailing semicolon, then EOF.
	_ = p.consumeOptionalSemicolon()
	if err := p.read(); err != nil {
		return nil, err
	}
	if p.peek.typ != tokenEOF {
		return nil, fmt.Errorf("graph parse: trailing tokens after graph end at %d", p.peek.pos)
	}
	return g, nil
}

type scope struct {
	parent       *scope
	nodeDefaults map[string]string
	edgeDefaults map[string]string

	subgraphLabel string
	nodeIDs       map[string]struct{}
}

func newScope(parent *scope) *scope {
	s := &scope{
		parent:       parent,
		nodeDefaults: map[string]string{},
		edgeDefaults: map[string]string{},
		nodeIDs:      map[string]struct{}{},
	}
	if parent != nil {
		for k, v := range parent.nodeDefaults {
			s.nodeDefaults[k] = v
		}
		for k, v := range parent.edgeDefaults {
			s.edgeDefaults[k] = v
		}
	}
	return s
}

func (s *scope) recordNode(id string) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.nodeIDs[id] = struct{}{}
	}
}

func (p *parser) parseStatements(g *Graph, sc *scope) error {
	for {
		if err := p.read(); err != nil {
			return err
		}
		if p.peek.typ == tokenEOF {
			return fmt.Errorf("graph parse: unexpected EOF (missing '}')")
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "}" {
			if sc.parent != nil {
				applySubgraphLabelClass(g, sc)
			}
			return nil
		}

		tok, err := p.next()
		if err != nil {
			return err
		}
		if tok.typ != tokenIdent {
			return fmt.Errorf("graph parse: expected identifier, got %q at %d", tok.lit, tok.pos)
		}

		switch tok.lit {
		case "graph":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				g.Attrs[k] = v
			}
			_ = p.consumeOptionalSemicolon()
		case "node":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				sc.nodeDefaults[k] = v
			}
			_ = p.consumeOptionalSemicolon()
		case "edge":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				sc.edgeDefaults[k] = v
			}
			_ = p.consumeOptionalSemicolon()
		case "subgraph":
			if err := p.read(); err != nil {
				return err
			}
			if p.peek.typ == tokenIdent {
				// Subgraph id is optional and ignored.
				if _, err := p.next(); err != nil {
					return err
				}
			}
			if err := p.expectSymbol("{"); err != nil {
				return err
			}
			sub := newScope(sc)
			if err := p.parseStatements(g, sub); err != nil {
				return err
			}
			if err := p.expectSymbol("}"); err != nil {
				return err
			}
			applySubgraphLabelClass(g, sub)
			_ = p.consumeOptionalSemicolon()
		default:
			if err := p.parseNodeOrEdge(g, sc, tok); err != nil {
				return err
			}
		}
	}
}

// parseNodeOrEdge handles a statement beginning with a bare identifier:
// a graph attribute declaration (key = value), a node statement, or an
// edge chain.
func (p *parser) parseNodeOrEdge(g *Graph, sc *scope, tok token) error {
	if err := p.read(); err != nil {
		return err
	}

	if p.peek.typ == tokenSymbol && p.peek.lit == "=" {
		if _, err := p.next(); err != nil {
			return err
		}
		valTok, err := p.next()
		if err != nil {
			return err
		}
		if valTok.typ != tokenIdent && valTok.typ != tokenString {
			return fmt.Errorf("graph parse: expected value after '=', got %q at %d", valTok.lit, valTok.pos)
		}
		// A label inside a subgraph scope becomes a derived class source.
		if sc.parent != nil && tok.lit == "label" {
			sc.subgraphLabel = valTok.lit
		} else {
			g.Attrs[tok.lit] = valTok.lit
		}
		return p.consumeOptionalSemicolon()
	}

	if p.peek.typ == tokenSymbol && p.peek.lit == "->" {
		chain := []string{tok.lit}
		for {
			if _, err := p.next(); err != nil {
				return err
			}
			toTok, err := p.next()
			if err != nil {
				return err
			}
			if toTok.typ != tokenIdent {
				return fmt.Errorf("graph parse: expected edge target identifier, got %q at %d", toTok.lit, toTok.pos)
			}
			chain = append(chain, toTok.lit)

			if err := p.read(); err != nil {
				return err
			}
			if !(p.peek.typ == tokenSymbol && p.peek.lit == "->") {
				break
			}
		}

		attrs := map[string]string{}
		if p.peek.typ == tokenSymbol && p.peek.lit == "[" {
			var err error
			attrs, err = p.parseAttrBlock()
			if err != nil {
				return err
			}
		}

		for i := 0; i+1 < len(chain); i++ {
			e := NewEdge(chain[i], chain[i+1])
			for k, v := range sc.edgeDefaults {
				e.Attrs[k] = v
			}
			for k, v := range attrs {
				e.Attrs[k] = v
			}
			if err := g.AddEdge(e); err != nil {
				return err
			}
		}
		return p.consumeOptionalSemicolon()
	}

	// Node statement.
	nodeAttrs := map[string]string{}
	if p.peek.typ == tokenSymbol && p.peek.lit == "[" {
		var err error
		nodeAttrs, err = p.parseAttrBlock()
		if err != nil {
			return err
		}
	}
	n := NewNode(tok.lit)
	for k, v := range sc.nodeDefaults {
		n.Attrs[k] = v
	}
	for k, v := range nodeAttrs {
		n.Attrs[k] = v
	}
	if err := g.AddNode(n); err != nil {
		return err
	}
	sc.recordNode(n.ID)
	return p.consumeOptionalSemicolon()
}

func (p *parser) consumeOptionalSemicolon() error {
	if err := p.read(); err != nil {
		return err
	}
	if p.peek.typ == tokenSymbol && p.peek.lit == ";" {
		_, err := p.next()
		return err
	}
	return nil
}

func (p *parser) parseAttrBlock() (map[string]string, error) {
	if err := p.expectSymbol("["); err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	for {
		if err := p.read(); err != nil {
			return nil, err
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "]" {
			_, _ = p.next()
			return attrs, nil
		}

		keyTok, err := p.next()
		if err != nil {
			return nil, err
		}
		if keyTok.typ != tokenIdent {
			return nil, fmt.Errorf("graph parse: expected attribute key, got %q at %d", keyTok.lit, keyTok.pos)
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseAttrValue()
		if err != nil {
			return nil, err
		}
		attrs[keyTok.lit] = val

		if err := p.read(); err != nil {
			return nil, err
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "," {
			_, _ = p.next()
			continue
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "]" {
			continue
		}
		return nil, fmt.Errorf("graph parse: expected ',' or ']', got %q at %d", p.peek.lit, p.peek.pos)
	}
}

// parseAttrValue accepts a quoted string or an unquoted value that may
// contain limited punctuation (identifiers joined by - . : /).
func (p *parser) parseAttrValue() (string, error) {
	if err := p.read(); err != nil {
		return "", err
	}
	if p.peek.typ == tokenString {
		tok, err := p.next()
		if err != nil {
			return "", err
		}
		return tok.lit, nil
	}
	var parts []string
	for {
		if err := p.read(); err != nil {
			return "", err
		}
		if p.peek.typ == tokenSymbol && (p.peek.lit == "," || p.peek.lit == "]") {
			break
		}
		tok, err := p.next()
		if err != nil {
			return "", err
		}
		switch tok.typ {
		case tokenIdent:
			parts = append(parts, tok.lit)
		case tokenSymbol:
			switch tok.lit {
			case "-", ".", ":", "/":
				parts = append(parts, tok.lit)
			default:
				return "", fmt.Errorf("graph parse: unexpected token in value: %q at %d", tok.lit, tok.pos)
			}
		default:
			return "", fmt.Errorf("graph parse: unexpected token in value: %q at %d", tok.lit, tok.pos)
		}
	}
	val := strings.TrimSpace(strings.Join(parts, ""))
	if val == "" {
		return "", fmt.Errorf("graph parse: empty attribute value")
	}
	return val, nil
}

func applySubgraphLabelClass(g *Graph, sc *scope) {
	lbl := strings.TrimSpace(sc.subgraphLabel)
	if lbl == "" {
		return
	}
	class := deriveClassFromLabel(lbl)
	if class == "" {
		return
	}
	for id := range sc.nodeIDs {
		if n := g.Nodes[id]; n != nil {
			n.AddClass(class)
		}
	}
}

func deriveClassFromLabel(label string) string {
	label = strings.ToLower(label)
	label = strings.ReplaceAll(label, " ", "-")
	var b strings.Builder
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}
