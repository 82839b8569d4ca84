package svn

import (
	"fmt"
	"strings"
)

// templates describe the expected wire structure for one read or write call
//
//   (  )   list brackets
//   [  ]   status wrapped response, only as the first and last characters
//   ?      the next token is optional (0 or 1)
//   *      the next token is repeated (0..n)
//   n      number
//   s      byte string read as text
//   b      byte string read as bytes
//   w      word
//   f      boolean word, `true` or `false`
//   l      raw list
//   p      property pair `( name ?value )`
//   e      one embedded edit command
//
// whitespace in a template is ignored.
// Templates are compiled once, usually into package level vars with `MustCompileTemplate`.

type tokenKind int

const (
	tokenGroup tokenKind = iota
	tokenNumber
	tokenText
	tokenBytes
	tokenWord
	tokenBool
	tokenList
	tokenProperty
	tokenEdit
)

var tokenKindNames = map[tokenKind]string{
	tokenGroup:    "group",
	tokenNumber:   "number",
	tokenText:     "text",
	tokenBytes:    "bytes",
	tokenWord:     "word",
	tokenBool:     "boolean",
	tokenList:     "list",
	tokenProperty: "property",
	tokenEdit:     "edit",
}

func (self tokenKind) String() string {
	if name, ok := tokenKindNames[self]; ok {
		return name
	}
	return "unknown"
}

var tokenKindsByRune = map[rune]tokenKind{
	'n': tokenNumber,
	's': tokenText,
	'b': tokenBytes,
	'w': tokenWord,
	'f': tokenBool,
	'l': tokenList,
	'p': tokenProperty,
	'e': tokenEdit,
}

type cardinality int

const (
	cardinalityOne cardinality = iota
	cardinalityOptional
	cardinalityRepeated
)

type templateNode struct {
	kind        tokenKind
	cardinality cardinality
	// group only
	children []*templateNode
}

func (self *templateNode) isScalar() bool {
	return self.kind != tokenGroup
}

// the number of destinations the node consumes when bound
func (self *templateNode) destinationCount() int {
	if self.kind != tokenGroup || self.cardinality == cardinalityRepeated {
		return 1
	}
	return self.elementCount()
}

// the number of values one element of a group binds
func (self *templateNode) elementCount() int {
	n := 0
	for _, child := range self.children {
		n += child.destinationCount()
	}
	return n
}

func (self *templateNode) String() string {
	var b strings.Builder
	self.format(&b)
	return b.String()
}

func (self *templateNode) format(b *strings.Builder) {
	switch self.cardinality {
	case cardinalityOptional:
		b.WriteByte('?')
	case cardinalityRepeated:
		b.WriteByte('*')
	}
	if self.kind == tokenGroup {
		b.WriteByte('(')
		for _, child := range self.children {
			child.format(b)
		}
		b.WriteByte(')')
		return
	}
	for r, kind := range tokenKindsByRune {
		if kind == self.kind {
			b.WriteRune(r)
			return
		}
	}
}

// Template is a compiled template string.
type Template struct {
	source  string
	wrapped bool
	nodes   []*templateNode
}

func CompileTemplate(source string) (*Template, error) {
	runes := []rune{}
	offsets := []int{}
	for i, r := range source {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		runes = append(runes, r)
		offsets = append(offsets, i)
	}

	templateErr := func(i int, format string, a ...any) error {
		offset := len(source)
		if i < len(offsets) {
			offset = offsets[i]
		}
		return &TemplateError{
			Template: source,
			Offset:   offset,
			Reason:   fmt.Sprintf(format, a...),
		}
	}

	template := &Template{
		source: source,
	}

	if 0 < len(runes) && runes[0] == '[' {
		if runes[len(runes)-1] != ']' {
			return nil, templateErr(len(runes)-1, "status wrapped template must end with ']'")
		}
		template.wrapped = true
		runes = runes[1 : len(runes)-1]
		offsets = offsets[1 : len(offsets)-1]
	}

	// stack of open groups, the bottom is the top level sequence
	stack := [][]*templateNode{{}}
	openCardinalities := []cardinality{}
	pending := cardinalityOne
	hasPending := false

	for i, r := range runes {
		switch r {
		case '?', '*':
			if hasPending {
				return nil, templateErr(i, "modifier %q follows another modifier", r)
			}
			hasPending = true
			if r == '?' {
				pending = cardinalityOptional
			} else {
				pending = cardinalityRepeated
			}
		case '(':
			stack = append(stack, []*templateNode{})
			openCardinalities = append(openCardinalities, pending)
			pending = cardinalityOne
			hasPending = false
		case ')':
			if hasPending {
				return nil, templateErr(i, "modifier before ')'")
			}
			if len(stack) == 1 {
				return nil, templateErr(i, "unbalanced ')'")
			}
			children := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c := openCardinalities[len(openCardinalities)-1]
			openCardinalities = openCardinalities[:len(openCardinalities)-1]
			node := &templateNode{
				kind:        tokenGroup,
				cardinality: c,
				children:    children,
			}
			stack[len(stack)-1] = append(stack[len(stack)-1], node)
		case '[', ']':
			return nil, templateErr(i, "status brackets are only legal around the whole template")
		default:
			kind, ok := tokenKindsByRune[r]
			if !ok {
				return nil, templateErr(i, "unknown token %q", r)
			}
			node := &templateNode{
				kind:        kind,
				cardinality: pending,
			}
			pending = cardinalityOne
			hasPending = false
			stack[len(stack)-1] = append(stack[len(stack)-1], node)
		}
	}
	if hasPending {
		return nil, templateErr(len(runes), "dangling modifier")
	}
	if len(stack) != 1 {
		return nil, templateErr(len(runes), "unbalanced '('")
	}
	template.nodes = stack[0]
	return template, nil
}

func MustCompileTemplate(source string) *Template {
	template, err := CompileTemplate(source)
	if err != nil {
		panic(err)
	}
	return template
}

func (self *Template) Wrapped() bool {
	return self.wrapped
}

// DestinationCount is the number of destinations a read binds, or values a write consumes.
func (self *Template) DestinationCount() int {
	n := 0
	for _, node := range self.nodes {
		n += node.destinationCount()
	}
	return n
}

func (self *Template) String() string {
	return self.source
}
