// Package rxml parses the XML-like markup language models emit when asked to
// call tools. It is deliberately not an XML parser: input is routinely
// malformed, split at arbitrary points, and mixes markup with prose, so the
// parser favors recovery over validation. Namespaces, DTDs and entity
// expansion are out of scope.
package rxml

import "strings"

// Node is one element in the parsed tree. Children holds *Node and string
// values in document order. The tree is always acyclic: nodes are built
// bottom-up during a single scan and never re-linked.
type Node struct {
	TagName     string
	Attributes  map[string]string
	Children    []any
	SelfClosing bool
}

// ParseOptions controls parsing behavior.
type ParseOptions struct {
	// KeepComments retains comments as raw "<!--...-->" string children.
	KeepComments bool

	// NoChildNodes lists tags that never have children, regardless of markup.
	NoChildNodes []string

	// Repair enables tag-mismatch healing. When false an unmatched or
	// mismatched closing tag is a ParseError.
	Repair bool
}

func (o ParseOptions) noChildSet() map[string]struct{} {
	if len(o.NoChildNodes) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(o.NoChildNodes))
	for _, name := range o.NoChildNodes {
		set[name] = struct{}{}
	}
	return set
}

// InnerText serializes a children slice back to text. String children are
// emitted verbatim; nested nodes are re-serialized as markup so that tags the
// model placed inside a string argument survive as literal substrings.
func InnerText(children []any) string {
	var sb strings.Builder
	for _, c := range children {
		switch v := c.(type) {
		case string:
			sb.WriteString(v)
		case *Node:
			writeNode(&sb, v)
		}
	}
	return sb.String()
}

// Text returns the node's inner text, see InnerText.
func (n *Node) Text() string {
	return InnerText(n.Children)
}

// OuterXML serializes the node including its own tags.
func (n *Node) OuterXML() string {
	var sb strings.Builder
	writeNode(&sb, n)
	return sb.String()
}

// ChildNodes returns only the element children, skipping text.
func (n *Node) ChildNodes() []*Node {
	var nodes []*Node
	for _, c := range n.Children {
		if cn, ok := c.(*Node); ok {
			nodes = append(nodes, cn)
		}
	}
	return nodes
}

// FirstChild returns the first element child with the given tag name, or nil.
func (n *Node) FirstChild(name string) *Node {
	for _, c := range n.Children {
		if cn, ok := c.(*Node); ok && cn.TagName == name {
			return cn
		}
	}
	return nil
}

func writeNode(sb *strings.Builder, n *Node) {
	sb.WriteByte('<')
	sb.WriteString(n.TagName)
	for _, k := range sortedKeys(n.Attributes) {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(n.Attributes[k])
		sb.WriteByte('"')
	}
	if n.SelfClosing && len(n.Children) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	sb.WriteString(InnerText(n.Children))
	sb.WriteString("</")
	sb.WriteString(n.TagName)
	sb.WriteByte('>')
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort keeps serialization deterministic without pulling in sort
	// for the common 0-2 attribute case.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
