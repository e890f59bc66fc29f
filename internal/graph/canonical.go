package graph

import (
	"sort"
	"strings"
)

// Canonical renders the graph in its canonical textual form: graph
// attributes sorted by key, nodes in declaration order, then edges in
// declaration order, all attribute bags sorted and values quoted.
// Parsing the canonical form and rendering it again is byte-identical,
// which makes sha256 over the canonical bytes a stable content address.
func (g *Graph) Canonical() []byte {
	var b strings.Builder
	b.WriteString("digraph ")
	b.WriteString(g.Name)
	b.WriteString(" {\n")

	for _, k := range g.AttrKeysSorted() {
		b.WriteString("  ")
		b.WriteString(k)
		b.WriteString(" = ")
		writeQuoted(&b, g.Attrs[k])
		b.WriteString(";\n")
	}

	for _, n := range g.NodesInOrder() {
		b.WriteString("  ")
		b.WriteString(n.ID)
		writeAttrBlock(&b, n.Attrs)
		b.WriteString(";\n")
	}

	for _, e := range g.Edges {
		b.WriteString("  ")
		b.WriteString(e.From)
		b.WriteString(" -> ")
		b.WriteString(e.To)
		writeAttrBlock(&b, e.Attrs)
		b.WriteString(";\n")
	}

	b.WriteString("}\n")
	return []byte(b.String())
}

// Canonicalize parses source text and returns its canonical bytes together
// with the parsed graph.
func Canonicalize(src []byte) ([]byte, *Graph, error) {
	g, err := Parse(src)
	if err != nil {
		return nil, nil, err
	}
	return g.Canonical(), g, nil
}

func writeAttrBlock(b *strings.Builder, attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(" [")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString("=")
		writeQuoted(b, attrs[k])
	}
	b.WriteString("]")
}

func writeQuoted(b *strings.Builder, v string) {
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(v[i])
		}
	}
	b.WriteByte('"')
}
