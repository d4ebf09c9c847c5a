// Package asset maintains the asset-id-keyed store and the bounded asset
// history, and applies the four adapter asset verbs. Asset bodies are kept
// as parsed XML trees so updates can rewrite individual elements.
package asset

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Node is one element of an asset's XML tree: a name, attributes, child
// elements, and the text directly inside the element. There are no upward
// references; snapshots share subtrees freely because updates clone before
// mutating.
type Node struct {
	Name     string
	Attrs    []xml.Attr
	Children []*Node
	Text     string
}

// ParseXML decodes an XML fragment into a tree. The input must contain
// exactly one top-level element.
func ParseXML(body string) (*Node, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing asset xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("parsing asset xml: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("parsing asset xml: unbalanced end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				if text := strings.TrimSpace(string(t)); text != "" {
					stack[len(stack)-1].Text += text
				}
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("parsing asset xml: no element found")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("parsing asset xml: unclosed element %s", stack[len(stack)-1].Name)
	}
	return root, nil
}

// Clone deep-copies the tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Text: n.Text}
	out.Attrs = append([]xml.Attr(nil), n.Attrs...)
	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Find returns the first element with the given name, depth-first,
// including the receiver itself.
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	if n.Name == name {
		return n
	}
	for _, c := range n.Children {
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// ReplaceChild swaps the first depth-first element named like repl with the
// replacement subtree. Returns false when no element matched. The root
// itself is not replaceable.
func (n *Node) ReplaceChild(repl *Node) bool {
	for i, c := range n.Children {
		if c.Name == repl.Name {
			n.Children[i] = repl
			return true
		}
		if c.ReplaceChild(repl) {
			return true
		}
	}
	return false
}

// WriteXML serializes the tree. Fields whose text contains commas are the
// multi-status case: each comma-separated token becomes a repeated element
// of the same tag, order preserved.
func (n *Node) WriteXML(w io.Writer) error {
	if n == nil {
		return nil
	}
	if strings.Contains(n.Text, ",") && len(n.Children) == 0 {
		for _, part := range strings.Split(n.Text, ",") {
			single := &Node{Name: n.Name, Attrs: n.Attrs, Text: part}
			if err := single.writeSingle(w); err != nil {
				return err
			}
		}
		return nil
	}
	return n.writeSingle(w)
}

func (n *Node) writeSingle(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range n.Attrs {
		fmt.Fprintf(&buf, " %s=%q", a.Name.Local, a.Value)
	}
	if n.Text == "" && len(n.Children) == 0 {
		buf.WriteString("/>")
		_, err := w.Write(buf.Bytes())
		return err
	}
	buf.WriteByte('>')
	if err := xml.EscapeText(&buf, []byte(n.Text)); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.WriteXML(w); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "</%s>", n.Name)
	return err
}

// String renders the tree as an XML fragment.
func (n *Node) String() string {
	var buf bytes.Buffer
	if err := n.WriteXML(&buf); err != nil {
		return ""
	}
	return buf.String()
}
