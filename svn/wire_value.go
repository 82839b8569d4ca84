package svn

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ValueKind int

const (
	NumberValue ValueKind = iota + 1
	StringValue
	WordValue
	ListValue
)

func (self ValueKind) String() string {
	switch self {
	case NumberValue:
		return "number"
	case StringValue:
		return "string"
	case WordValue:
		return "word"
	case ListValue:
		return "list"
	default:
		return "unknown"
	}
}

// Value is one item of the wire format.
// A value is immutable once built.
type Value struct {
	Kind   ValueKind
	Number int64
	Bytes  []byte
	Word   string
	List   []Value
}

func NumberOf(n int64) Value {
	return Value{
		Kind:   NumberValue,
		Number: n,
	}
}

func StringOf(s string) Value {
	return Value{
		Kind:  StringValue,
		Bytes: []byte(s),
	}
}

func BytesOf(b []byte) Value {
	return Value{
		Kind:  StringValue,
		Bytes: b,
	}
}

func WordOf(w string) Value {
	return Value{
		Kind: WordValue,
		Word: w,
	}
}

func BoolOf(b bool) Value {
	if b {
		return WordOf("true")
	}
	return WordOf("false")
}

func ListOf(items ...Value) Value {
	return Value{
		Kind: ListValue,
		List: items,
	}
}

func (self Value) IsList() bool {
	return self.Kind == ListValue
}

func (self Value) Text() string {
	return string(self.Bytes)
}

func (self Value) Equal(other Value) bool {
	if self.Kind != other.Kind {
		return false
	}
	switch self.Kind {
	case NumberValue:
		return self.Number == other.Number
	case StringValue:
		return bytes.Equal(self.Bytes, other.Bytes)
	case WordValue:
		return self.Word == other.Word
	case ListValue:
		return slices.EqualFunc(self.List, other.List, func(a Value, b Value) bool {
			return a.Equal(b)
		})
	default:
		return true
	}
}

// String renders the value in wire form, without the trailing separator.
func (self Value) String() string {
	var b strings.Builder
	self.format(&b)
	return b.String()
}

func (self Value) format(b *strings.Builder) {
	switch self.Kind {
	case NumberValue:
		b.WriteString(strconv.FormatInt(self.Number, 10))
	case StringValue:
		b.WriteString(strconv.Itoa(len(self.Bytes)))
		b.WriteByte(':')
		b.Write(self.Bytes)
	case WordValue:
		b.WriteString(self.Word)
	case ListValue:
		b.WriteString("( ")
		for _, item := range self.List {
			item.format(b)
			b.WriteByte(' ')
		}
		b.WriteByte(')')
	}
}

// Unpack binds the value against a template as if the value were the next item on the wire.
// Repeated groups deliver their elements as raw values, which callers unpack with this.
func (self Value) Unpack(template *Template, dst ...any) error {
	source := newValueSource(self)
	return readTemplate(source, template, dst...)
}

// PropertyChange is the `p` token.
// A nil `Value` means the property is absent or deleted.
type PropertyChange struct {
	Name  string
	Value []byte
}

func (self PropertyChange) Deleted() bool {
	return self.Value == nil
}

func (self PropertyChange) String() string {
	if self.Value == nil {
		return fmt.Sprintf("%s (deleted)", self.Name)
	}
	return fmt.Sprintf("%s=%s", self.Name, self.Value)
}

// Properties is a property list keyed by name.
type Properties map[string][]byte

// Changes returns the properties sorted by name.
func (self Properties) Changes() []PropertyChange {
	names := maps.Keys(self)
	slices.Sort(names)
	changes := make([]PropertyChange, 0, len(names))
	for _, name := range names {
		changes = append(changes, PropertyChange{
			Name:  name,
			Value: self[name],
		})
	}
	return changes
}

func (self Properties) Clone() Properties {
	return maps.Clone(self)
}
