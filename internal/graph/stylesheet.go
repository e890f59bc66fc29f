package graph

import (
	"fmt"
	"strings"
	"unicode"
)

// The stylesheet overlay sets model-selection attributes by selector before
// validation. Selectors: * (universal), bare shape, .class, #id; specificity
// universal(0) < shape(1) < class(2) < id(3); later source order wins ties.
// Only attributes the node does not already set are filled in.

type SelectorKind int

const (
	SelectorUniversal SelectorKind = iota
	SelectorShape
	SelectorClass
	SelectorID
)

// styleProps are the node attributes a stylesheet may set.
var styleProps = []string{"provider", "model", "reasoning"}

type StyleRule struct {
	Kind        SelectorKind
	Value       string // id/class/shape; empty for universal
	Specificity int
	Order       int
	Decls       map[string]string
}

// ParseStylesheet parses the model_stylesheet graph attribute.
func ParseStylesheet(src string) ([]StyleRule, error) {
	p := &styleParser{s: src}
	return p.parse()
}

// ApplyStylesheet overlays rules onto every node of the graph. For each
// style property a node does not set explicitly, the matching rule with the
// highest specificity (then latest source order) supplies the value; a
// graph-level attribute of the same name is the final fallback.
func ApplyStylesheet(g *Graph, rules []StyleRule) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if len(rules) == 0 {
		return nil
	}
	for _, n := range g.Nodes {
		applyRulesToNode(g, n, rules)
	}
	return nil
}

func applyRulesToNode(g *Graph, n *Node, rules []StyleRule) {
	for _, prop := range styleProps {
		if _, ok := n.Attrs[prop]; ok {
			continue
		}
		bestSpec := -1
		bestOrder := -1
		bestVal := ""
		for _, r := range rules {
			if !ruleMatches(r, n) {
				continue
			}
			v, ok := r.Decls[prop]
			if !ok {
				continue
			}
			if r.Specificity > bestSpec || (r.Specificity == bestSpec && r.Order > bestOrder) {
				bestSpec = r.Specificity
				bestOrder = r.Order
				bestVal = v
			}
		}
		if bestSpec >= 0 {
			n.Attrs[prop] = bestVal
			continue
		}
		if v, ok := g.Attrs[prop]; ok && strings.TrimSpace(v) != "" {
			n.Attrs[prop] = v
		}
	}
}

func ruleMatches(r StyleRule, n *Node) bool {
	switch r.Kind {
	case SelectorUniversal:
		return true
	case SelectorID:
		return n.ID == r.Value
	case SelectorClass:
		for _, c := range n.Classes() {
			if c == r.Value {
				return true
			}
		}
		return false
	case SelectorShape:
		return n.Shape() == r.Value
	}
	return false
}

type styleParser struct {
	s    string
	i    int
	rule int
}

func (p *styleParser) parse() ([]StyleRule, error) {
	var rules []StyleRule
	for {
		p.skipSpace()
		if p.eof() {
			return rules, nil
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		r.Order = p.rule
		p.rule++
		rules = append(rules, r)
	}
}

func (p *styleParser) parseRule() (StyleRule, error) {
	kind, val, spec, err := p.parseSelector()
	if err != nil {
		return StyleRule{}, err
	}
	p.skipSpace()
	if !p.consume("{") {
		return StyleRule{}, p.errf("expected '{' after selector")
	}
	decls := map[string]string{}
	for {
		p.skipSpace()
		if p.consume("}") {
			break
		}
		prop, err := p.parseIdent()
		if err != nil {
			return StyleRule{}, err
		}
		if !knownStyleProp(prop) {
			return StyleRule{}, p.errf("unknown property %q", prop)
		}
		p.skipSpace()
		if !p.consume(":") {
			return StyleRule{}, p.errf("expected ':' after property")
		}
		p.skipSpace()
		v, err := p.parseValue()
		if err != nil {
			return StyleRule{}, err
		}
		decls[prop] = v
		p.skipSpace()
		_ = p.consume(";")
	}
	return StyleRule{Kind: kind, Value: val, Specificity: spec, Decls: decls}, nil
}

func knownStyleProp(prop string) bool {
	for _, p := range styleProps {
		if p == prop {
			return true
		}
	}
	return false
}

func (p *styleParser) parseSelector() (SelectorKind, string, int, error) {
	if p.consume("*") {
		return SelectorUniversal, "", 0, nil
	}
	if p.consume("#") {
		id, err := p.parseIdent()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorID, id, 3, nil
	}
	if p.consume(".") {
		class, err := p.parseClassName()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorClass, class, 2, nil
	}
	shape, err := p.parseIdentLike()
	if err != nil {
		return 0, "", 0, err
	}
	return SelectorShape, shape, 1, nil
}

func (p *styleParser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.i
	if p.eof() || !isStyleIdentStart(rune(p.s[p.i])) {
		return "", p.errf("expected identifier")
	}
	p.i++
	for !p.eof() && isStyleIdentContinue(rune(p.s[p.i])) {
		p.i++
	}
	return p.s[start:p.i], nil
}

func (p *styleParser) parseClassName() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected class name")
	}
	return p.s[start:p.i], nil
}

func (p *styleParser) parseIdentLike() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected identifier")
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *styleParser) parseValue() (string, error) {
	if p.eof() {
		return "", p.errf("expected value")
	}
	if p.s[p.i] == '"' {
		return p.parseString()
	}
	start := p.i
	for !p.eof() {
		if p.s[p.i] == ';' || p.s[p.i] == '}' {
			break
		}
		p.i++
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *styleParser) parseString() (string, error) {
	if !p.consume(`"`) {
		return "", p.errf("expected string")
	}
	var b strings.Builder
	for !p.eof() {
		ch := p.s[p.i]
		p.i++
		if ch == '"' {
			return b.String(), nil
		}
		if ch == '\\' {
			if p.eof() {
				return "", p.errf("unterminated escape")
			}
			esc := p.s[p.i]
			p.i++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			continue
		}
		b.WriteByte(ch)
	}
	return "", p.errf("unterminated string")
}

func (p *styleParser) skipSpace() {
	for !p.eof() {
		switch p.s[p.i] {
		case ' ', '\n', '\r', '\t':
			p.i++
		default:
			return
		}
	}
}

func (p *styleParser) consume(lit string) bool {
	if strings.HasPrefix(p.s[p.i:], lit) {
		p.i += len(lit)
		return true
	}
	return false
}

func (p *styleParser) eof() bool { return p.i >= len(p.s) }

func (p *styleParser) errf(format string, args ...any) error {
	return fmt.Errorf("stylesheet parse: "+format+" (at %d)", append(args, p.i)...)
}

func isStyleIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isStyleIdentContinue(r rune) bool {
	return isStyleIdentStart(r) || unicode.IsDigit(r)
}
