package compatibility

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// maxDocumentDepth bounds nesting so a hostile document cannot exhaust the stack
const maxDocumentDepth = 512

// Kind is the JSON kind of a document node
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	return []string{"null", "boolean", "number", "string", "array", "object"}[k]
}

// Node is an immutable JSON value. Object keys keep document order and
// numbers keep their literal text.
type Node struct {
	kind   Kind
	b      bool
	s      string
	items  []*Node
	keys   []string
	fields map[string]*Node
}

// Document is a parsed schema document
type Document struct {
	Root *Node
}

// ParseDocument parses raw schema bytes. Every failure wraps ErrMalformedSchema.
func ParseDocument(data []byte) (*Document, error) {
	// the token stream does not enforce separators, so syntax is checked first
	if !gojson.Valid(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedSchema)
	}
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSchema, err)
	}
	root, err := parseValue(dec, tok, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedSchema)
	}
	return &Document{Root: root}, nil
}

func parseValue(dec *gojson.Decoder, tok gojson.Token, depth int) (*Node, error) {
	if depth > maxDocumentDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedSchema, maxDocumentDepth)
	}
	switch v := tok.(type) {
	case gojson.Delim:
		switch v {
		case '{':
			return parseObject(dec, depth)
		case '[':
			return parseArray(dec, depth)
		}
		return nil, fmt.Errorf("%w: unexpected delimiter %q", ErrMalformedSchema, rune(v))
	case string:
		return &Node{kind: KindString, s: v}, nil
	case bool:
		return &Node{kind: KindBool, b: v}, nil
	case gojson.Number:
		return &Node{kind: KindNumber, s: string(v)}, nil
	case float64:
		return &Node{kind: KindNumber, s: strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case nil:
		return &Node{kind: KindNull}, nil
	}
	return nil, fmt.Errorf("%w: unexpected token %v", ErrMalformedSchema, tok)
}

func parseObject(dec *gojson.Decoder, depth int) (*Node, error) {
	n := &Node{kind: KindObject, fields: make(map[string]*Node)}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSchema, err)
		}
		if d, ok := tok.(gojson.Delim); ok && d == '}' {
			return n, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key must be a string", ErrMalformedSchema)
		}
		if _, dup := n.fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMalformedSchema, key)
		}
		valTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSchema, err)
		}
		child, err := parseValue(dec, valTok, depth+1)
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, key)
		n.fields[key] = child
	}
}

func parseArray(dec *gojson.Decoder, depth int) (*Node, error) {
	n := &Node{kind: KindArray}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSchema, err)
		}
		if d, ok := tok.(gojson.Delim); ok && d == ']' {
			return n, nil
		}
		child, err := parseValue(dec, tok, depth+1)
		if err != nil {
			return nil, err
		}
		n.items = append(n.items, child)
	}
}

// Kind returns the node kind; a nil node reports KindNull
func (n *Node) Kind() Kind {
	if n == nil {
		return KindNull
	}
	return n.kind
}

func (n *Node) IsObject() bool { return n != nil && n.kind == KindObject }
func (n *Node) IsArray() bool  { return n != nil && n.kind == KindArray }
func (n *Node) IsBool() bool   { return n != nil && n.kind == KindBool }

// Get returns the member named key, or nil when absent or n is not an object
func (n *Node) Get(key string) *Node {
	if n == nil || n.kind != KindObject {
		return nil
	}
	return n.fields[key]
}

// Has reports whether an object node carries key
func (n *Node) Has(key string) bool {
	return n.Get(key) != nil
}

// Keys returns object keys in document order
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindObject {
		return nil
	}
	return n.keys
}

// Items returns array elements
func (n *Node) Items() []*Node {
	if n == nil || n.kind != KindArray {
		return nil
	}
	return n.items
}

// Text returns the string value of a string node
func (n *Node) Text() (string, bool) {
	if n == nil || n.kind != KindString {
		return "", false
	}
	return n.s, true
}

// Bool returns the value of a boolean node
func (n *Node) Bool() (bool, bool) {
	if n == nil || n.kind != KindBool {
		return false, false
	}
	return n.b, true
}

// IsTrue reports whether n is the literal true
func (n *Node) IsTrue() bool {
	v, ok := n.Bool()
	return ok && v
}

// IsFalse reports whether n is the literal false
func (n *Node) IsFalse() bool {
	v, ok := n.Bool()
	return ok && !v
}

// Rat returns the exact value of a number node
func (n *Node) Rat() (*big.Rat, bool) {
	if n == nil || n.kind != KindNumber {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(n.s)
	return r, ok
}

// Equal reports JSON value equality: object key order is ignored and numbers
// compare by value.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.kind != other.kind {
		return false
	}
	switch n.kind {
	case KindNull:
		return true
	case KindBool:
		return n.b == other.b
	case KindString:
		return n.s == other.s
	case KindNumber:
		a, okA := n.Rat()
		b, okB := other.Rat()
		if !okA || !okB {
			return n.s == other.s
		}
		return a.Cmp(b) == 0
	case KindArray:
		if len(n.items) != len(other.items) {
			return false
		}
		for i := range n.items {
			if !n.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(n.fields) != len(other.fields) {
			return false
		}
		for k, v := range n.fields {
			if !v.Equal(other.fields[k]) {
				return false
			}
		}
		return true
	}
	return false
}

func (n *Node) String() string {
	if n == nil {
		return "<absent>"
	}
	switch n.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(n.b)
	case KindNumber:
		return n.s
	case KindString:
		return strconv.Quote(n.s)
	case KindArray:
		return fmt.Sprintf("array[%d]", len(n.items))
	default:
		return fmt.Sprintf("object{%d}", len(n.keys))
	}
}
