package svn

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// WireWriter encodes wire items to a byte stream.
// Every item is followed by a single space.
// Output is buffered until `Flush`.
type WireWriter struct {
	writer *bufio.Writer

	// observes bytes as they are written
	observer func([]byte)
}

func NewWireWriterWithDefaults(w io.Writer) *WireWriter {
	return NewWireWriter(w, kib(16))
}

func NewWireWriter(w io.Writer, bufferSize ByteCount) *WireWriter {
	return &WireWriter{
		writer: bufio.NewWriterSize(w, int(bufferSize)),
	}
}

func (self *WireWriter) setObserver(observer func([]byte)) {
	self.observer = observer
}

func (self *WireWriter) write(b []byte) error {
	if self.observer != nil {
		self.observer(b)
	}
	_, err := self.writer.Write(b)
	return err
}

func (self *WireWriter) WriteNumber(n int64) error {
	return self.write(append(strconv.AppendInt(nil, n, 10), ' '))
}

func (self *WireWriter) WriteBytes(b []byte) error {
	out := make([]byte, 0, len(b)+24)
	out = strconv.AppendInt(out, int64(len(b)), 10)
	out = append(out, ':')
	out = append(out, b...)
	out = append(out, ' ')
	return self.write(out)
}

func (self *WireWriter) WriteText(s string) error {
	return self.WriteBytes([]byte(s))
}

func (self *WireWriter) WriteWord(w string) error {
	if w == "" || !isLetter(w[0]) {
		return fmt.Errorf("%w: invalid word %q", ErrInvalidTemplate, w)
	}
	return self.write([]byte(w + " "))
}

func (self *WireWriter) WriteBool(b bool) error {
	if b {
		return self.WriteWord("true")
	}
	return self.WriteWord("false")
}

func (self *WireWriter) Open() error {
	return self.write([]byte("( "))
}

func (self *WireWriter) Close() error {
	return self.write([]byte(") "))
}

func (self *WireWriter) WriteValue(value Value) error {
	switch value.Kind {
	case NumberValue:
		return self.WriteNumber(value.Number)
	case StringValue:
		return self.WriteBytes(value.Bytes)
	case WordValue:
		return self.WriteWord(value.Word)
	case ListValue:
		if err := self.Open(); err != nil {
			return err
		}
		for _, item := range value.List {
			if err := self.WriteValue(item); err != nil {
				return err
			}
		}
		return self.Close()
	default:
		return fmt.Errorf("%w: value of unknown kind %d", ErrInvalidTemplate, value.Kind)
	}
}

func (self *WireWriter) Flush() error {
	return self.writer.Flush()
}

// Write encodes `values` as described by the template.
// A status wrapped template writes a success response.
// Absent optional values are passed as nil, a negative number, or a nil slice.
func (self *WireWriter) Write(template *Template, values ...any) error {
	if n := template.DestinationCount(); n != len(values) {
		return &TemplateError{
			Template: template.source,
			Reason:   fmt.Sprintf("template writes %d values, %d given", n, len(values)),
		}
	}
	w := &templateWriter{
		writer: self,
		values: values,
	}
	if template.wrapped {
		if err := self.Open(); err != nil {
			return err
		}
		if err := self.WriteWord("success"); err != nil {
			return err
		}
	}
	if err := w.writeNodes(template.nodes); err != nil {
		return err
	}
	if template.wrapped {
		return self.Close()
	}
	return nil
}

// WriteFailure writes a failure response carrying the error chain.
func (self *WireWriter) WriteFailure(err error) error {
	records := []*ServerError{}
	if serverErr, ok := asServerError(err); ok {
		records = serverErr.Chain()
	} else {
		records = append(records, &ServerError{
			Code:    errorCode(err),
			Message: err.Error(),
		})
	}
	if err := self.Open(); err != nil {
		return err
	}
	if err := self.WriteWord("failure"); err != nil {
		return err
	}
	if err := self.Open(); err != nil {
		return err
	}
	for _, record := range records {
		if err := self.WriteValue(ListOf(
			NumberOf(record.Code),
			StringOf(record.Message),
			StringOf(""),
			NumberOf(0),
		)); err != nil {
			return err
		}
	}
	if err := self.Close(); err != nil {
		return err
	}
	return self.Close()
}

type templateWriter struct {
	writer *WireWriter
	values []any
	next   int
}

func (self *templateWriter) take() any {
	value := self.values[self.next]
	self.next += 1
	return value
}

func (self *templateWriter) writeNodes(nodes []*templateNode) error {
	for _, node := range nodes {
		if err := self.writeNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (self *templateWriter) writeNode(node *templateNode) error {
	switch node.cardinality {
	case cardinalityRepeated:
		return self.writeRepeated(node, self.take())
	case cardinalityOptional:
		if node.kind == tokenGroup {
			n := node.destinationCount()
			present := false
			for _, value := range self.values[self.next : self.next+n] {
				if !isAbsent(value) {
					present = true
					break
				}
			}
			if !present {
				self.next += n
				return nil
			}
			break
		}
		value := self.take()
		if isAbsent(value) {
			return nil
		}
		return self.writeScalar(node.kind, value)
	default:
		if node.kind != tokenGroup {
			return self.writeScalar(node.kind, self.take())
		}
	}

	if err := self.writer.Open(); err != nil {
		return err
	}
	if err := self.writeNodes(node.children); err != nil {
		return err
	}
	return self.writer.Close()
}

func isAbsent(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case int64:
		return v < 0
	case int:
		return v < 0
	case Revision:
		return v < 0
	case *string:
		return v == nil
	case []byte:
		return v == nil
	case *bool:
		return v == nil
	case Value:
		return v.Kind == 0
	default:
		return false
	}
}

func writeTypeErr(kind tokenKind, value any) error {
	return fmt.Errorf("%w: cannot write %T as %s", ErrInvalidTemplate, value, kind)
}

func (self *templateWriter) writeScalar(kind tokenKind, value any) error {
	w := self.writer
	switch kind {
	case tokenNumber:
		var n int64
		switch v := value.(type) {
		case int64:
			n = v
		case int:
			n = int64(v)
		case Revision:
			n = int64(v)
		case uint64:
			n = int64(v)
		default:
			return writeTypeErr(kind, value)
		}
		return w.WriteNumber(n)
	case tokenText, tokenBytes:
		switch v := value.(type) {
		case string:
			return w.WriteText(v)
		case *string:
			return w.WriteText(*v)
		case []byte:
			return w.WriteBytes(v)
		default:
			return writeTypeErr(kind, value)
		}
	case tokenWord:
		switch v := value.(type) {
		case string:
			return w.WriteWord(v)
		case fmt.Stringer:
			return w.WriteWord(v.String())
		default:
			return writeTypeErr(kind, value)
		}
	case tokenBool:
		switch v := value.(type) {
		case bool:
			return w.WriteBool(v)
		case *bool:
			return w.WriteBool(*v)
		default:
			return writeTypeErr(kind, value)
		}
	case tokenList:
		switch v := value.(type) {
		case Value:
			return w.WriteValue(v)
		case []Value:
			return w.WriteValue(ListOf(v...))
		default:
			return writeTypeErr(kind, value)
		}
	case tokenProperty:
		change, ok := value.(PropertyChange)
		if !ok {
			return writeTypeErr(kind, value)
		}
		return w.writeProperty(change)
	default:
		return writeTypeErr(kind, value)
	}
}

func (self *WireWriter) writeProperty(change PropertyChange) error {
	if err := self.Open(); err != nil {
		return err
	}
	if err := self.WriteText(change.Name); err != nil {
		return err
	}
	if change.Value != nil {
		if err := self.WriteBytes(change.Value); err != nil {
			return err
		}
	}
	return self.Close()
}

func (self *templateWriter) writeRepeated(node *templateNode, value any) error {
	if node.kind == tokenGroup {
		switch v := value.(type) {
		case nil:
			return nil
		case [][]any:
			for _, element := range v {
				if len(element) != node.elementCount() {
					return writeTypeErr(node.kind, element)
				}
				sub := &templateWriter{
					writer: self.writer,
					values: element,
				}
				if err := sub.writeNodes([]*templateNode{{
					kind:        tokenGroup,
					cardinality: cardinalityOne,
					children:    node.children,
				}}); err != nil {
					return err
				}
			}
			return nil
		case []Value:
			for _, element := range v {
				if err := self.writer.WriteValue(element); err != nil {
					return err
				}
			}
			return nil
		default:
			return writeTypeErr(node.kind, value)
		}
	}

	switch v := value.(type) {
	case nil:
	case []string:
		for _, s := range v {
			if err := self.writeScalar(node.kind, s); err != nil {
				return err
			}
		}
	case [][]byte:
		for _, b := range v {
			if err := self.writeScalar(node.kind, b); err != nil {
				return err
			}
		}
	case []int64:
		for _, n := range v {
			if err := self.writeScalar(node.kind, n); err != nil {
				return err
			}
		}
	case []Revision:
		for _, n := range v {
			if err := self.writeScalar(node.kind, n); err != nil {
				return err
			}
		}
	case []bool:
		for _, b := range v {
			if err := self.writeScalar(node.kind, b); err != nil {
				return err
			}
		}
	case []Value:
		for _, item := range v {
			if err := self.writer.WriteValue(item); err != nil {
				return err
			}
		}
	case []PropertyChange:
		for _, change := range v {
			if err := self.writeScalar(node.kind, change); err != nil {
				return err
			}
		}
	case Properties:
		for _, change := range v.Changes() {
			if err := self.writeScalar(node.kind, change); err != nil {
				return err
			}
		}
	default:
		return writeTypeErr(node.kind, value)
	}
	return nil
}
