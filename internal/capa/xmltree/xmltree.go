// Package xmltree is a small mutable DOM over encoding/xml used to read
// problem descriptors.
package xmltree

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyDocument is returned when the input holds no root element.
var ErrEmptyDocument = errors.New("xmltree: document has no root element")

// Element is one XML element with its attributes and mixed content.
type Element struct {
	Tag     string
	Attrs   []xml.Attr
	Content []Node
	Parent  *Element
}

// Node is either character data or a child element.
type Node struct {
	Text    string
	Element *Element
}

// Parse reads a document and returns its root element.
func Parse(data []byte) (*Element, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true

	var root *Element
	var stack []*Element

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xmltree: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Tag: t.Name.Local}
			for _, attr := range t.Attr {
				el.Attrs = append(el.Attrs, xml.Attr{Name: xml.Name{Local: attr.Name.Local}, Value: attr.Value})
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				el.Parent = parent
				parent.Content = append(parent.Content, Node{Element: el})
			} else if root == nil {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Content = append(parent.Content, Node{Text: string(t)})
			}
		}
	}

	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// Attr returns the named attribute or "".
func (e *Element) Attr(name string) string {
	value, _ := e.LookupAttr(name)
	return value
}

// LookupAttr returns the named attribute and whether it is present.
func (e *Element) LookupAttr(name string) (string, bool) {
	for _, attr := range e.Attrs {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}

// SetAttr adds or replaces an attribute.
func (e *Element) SetAttr(name, value string) {
	for i, attr := range e.Attrs {
		if attr.Name.Local == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

// Children returns the direct child elements.
func (e *Element) Children() []*Element {
	var children []*Element
	for _, node := range e.Content {
		if node.Element != nil {
			children = append(children, node.Element)
		}
	}
	return children
}

// Find returns direct children with the given tag.
func (e *Element) Find(tag string) []*Element {
	var found []*Element
	for _, child := range e.Children() {
		if child.Tag == tag {
			found = append(found, child)
		}
	}
	return found
}

// First returns the first direct child with the given tag, or nil.
func (e *Element) First(tag string) *Element {
	for _, child := range e.Children() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// Descendants returns every element below e matching keep, in document order.
func (e *Element) Descendants(keep func(*Element) bool) []*Element {
	var found []*Element
	var walk func(*Element)
	walk = func(el *Element) {
		for _, child := range el.Children() {
			if keep(child) {
				found = append(found, child)
			}
			walk(child)
		}
	}
	walk(e)
	return found
}

// FindAll returns descendants with the given tag.
func (e *Element) FindAll(tag string) []*Element {
	return e.Descendants(func(el *Element) bool { return el.Tag == tag })
}

// Text concatenates all character data below e.
func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*Element)
	walk = func(el *Element) {
		for _, node := range el.Content {
			if node.Element != nil {
				walk(node.Element)
				continue
			}
			b.WriteString(node.Text)
		}
	}
	walk(e)
	return b.String()
}

// InnerXML serializes the content of e without its own tag.
func (e *Element) InnerXML() string {
	var b strings.Builder
	for _, node := range e.Content {
		if node.Element != nil {
			node.Element.write(&b)
			continue
		}
		_ = xml.EscapeText(&b, []byte(node.Text))
	}
	return b.String()
}

// String serializes e including its own tag.
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Element) write(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(e.Tag)
	for _, attr := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(attr.Name.Local)
		b.WriteString(`="`)
		_ = xml.EscapeText(b, []byte(attr.Value))
		b.WriteByte('"')
	}
	if len(e.Content) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	b.WriteString(e.InnerXML())
	b.WriteString("</")
	b.WriteString(e.Tag)
	b.WriteByte('>')
}
