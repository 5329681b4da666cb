package content

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

const (
	xmlHeader   = `<?xml version="1.0" encoding="utf-8"?>` + "\n"
	xmlRoot     = "root"
	xmlListItem = "list-item"
)

// encodeXML writes v as a <root> document. Mappings become child elements in
// key order, sequences become repeated <list-item> elements and nil becomes
// an empty element.
func encodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<" + xmlRoot + ">")
	if err := writeXMLValue(&buf, v); err != nil {
		return nil, err
	}
	buf.WriteString("</" + xmlRoot + ">")
	return buf.Bytes(), nil
}

func writeXMLValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for _, k := range sortedKeys(t) {
			name := xmlName(k)
			buf.WriteString("<" + name + ">")
			if err := writeXMLValue(buf, t[k]); err != nil {
				return err
			}
			buf.WriteString("</" + name + ">")
		}
		return nil
	case []any:
		for _, e := range t {
			buf.WriteString("<" + xmlListItem + ">")
			if err := writeXMLValue(buf, e); err != nil {
				return err
			}
			buf.WriteString("</" + xmlListItem + ">")
		}
		return nil
	case string:
		return xml.EscapeText(buf, []byte(t))
	case bool:
		buf.WriteString(strconv.FormatBool(t))
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case int, int64, float64:
		buf.WriteString(fmt.Sprint(t))
		return nil
	default:
		return fmt.Errorf("cannot encode %T as XML", v)
	}
}

// xmlName maps an arbitrary key onto a valid element name.
func xmlName(k string) string {
	if k == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range k {
		valid := unicode.IsLetter(r) || r == '_' ||
			(i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'))
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

type xmlNode struct {
	name     string
	children []*xmlNode
	text     strings.Builder
}

// decodeXML is the inverse of encodeXML. Element text stays a string; an
// element whose children are all <list-item> becomes a sequence.
func decodeXML(data []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		stack []*xmlNode
		root  *xmlNode
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root != nil {
				return nil, errors.New("multiple root elements")
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	return xmlNodeValue(root), nil
}

func xmlNodeValue(n *xmlNode) any {
	if len(n.children) == 0 {
		text := n.text.String()
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return text
	}
	list := true
	for _, c := range n.children {
		if c.name != xmlListItem {
			list = false
			break
		}
	}
	if list {
		out := make([]any, 0, len(n.children))
		for _, c := range n.children {
			out = append(out, xmlNodeValue(c))
		}
		return out
	}
	out := make(map[string]any, len(n.children))
	for _, c := range n.children {
		out[c.name] = xmlNodeValue(c)
	}
	return out
}
