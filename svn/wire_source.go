package svn

import (
	"errors"
	"fmt"
)

// template reads run against a `wireSource`.
// The stream source is the `WireReader`, the value source walks an in memory `Value`.
// Both support a bounded mark and reset so that an optional group that does not match
// can be rewound.

type itemKind int

const (
	itemNumber itemKind = iota + 1
	itemString
	itemWord
	itemOpen
	itemClose
)

func (self itemKind) String() string {
	switch self {
	case itemNumber:
		return "number"
	case itemString:
		return "string"
	case itemWord:
		return "word"
	case itemOpen:
		return "'('"
	case itemClose:
		return "')'"
	default:
		return "unknown"
	}
}

type wireMark int

type wireSource interface {
	peekKind() (itemKind, error)
	readNumber() (int64, error)
	readString() ([]byte, error)
	readWord() (string, error)
	readOpen() error
	readClose() error
	readValue() (Value, error)
	mark() wireMark
	reset(wireMark) error
	unmark(wireMark)
	// nil when the source is not a stream
	wireStream() *WireReader
}

// EditCommandHandler consumes one embedded edit command for the `e` token.
type EditCommandHandler interface {
	HandleEditCommand(reader *WireReader) (more bool, returnErr error)
}

// EditStep is the destination for the `e` token.
// After the read, `More` is false when the command terminated the edit.
type EditStep struct {
	Handler EditCommandHandler
	More    bool
}

type valueFrame struct {
	items []Value
	index int
}

type valueSource struct {
	frames []valueFrame
	marks  [][]valueFrame
}

func newValueSource(value Value) *valueSource {
	return &valueSource{
		frames: []valueFrame{
			{items: []Value{value}},
		},
	}
}

func (self *valueSource) top() *valueFrame {
	return &self.frames[len(self.frames)-1]
}

func (self *valueSource) next() (Value, bool) {
	frame := self.top()
	if len(frame.items) <= frame.index {
		return Value{}, false
	}
	return frame.items[frame.index], true
}

func (self *valueSource) advance() {
	self.top().index += 1
}

func (self *valueSource) peekKind() (itemKind, error) {
	value, ok := self.next()
	if !ok {
		return itemClose, nil
	}
	switch value.Kind {
	case NumberValue:
		return itemNumber, nil
	case StringValue:
		return itemString, nil
	case WordValue:
		return itemWord, nil
	case ListValue:
		return itemOpen, nil
	default:
		return 0, malformedf("value of unknown kind %d", value.Kind)
	}
}

func (self *valueSource) expect(kind ValueKind) (Value, error) {
	value, ok := self.next()
	if !ok {
		return Value{}, malformedf("expected %s, found end of list", kind)
	}
	if value.Kind != kind {
		return Value{}, malformedf("expected %s, found %s", kind, value.Kind)
	}
	self.advance()
	return value, nil
}

func (self *valueSource) readNumber() (int64, error) {
	value, err := self.expect(NumberValue)
	if err != nil {
		return 0, err
	}
	return value.Number, nil
}

func (self *valueSource) readString() ([]byte, error) {
	value, err := self.expect(StringValue)
	if err != nil {
		return nil, err
	}
	return value.Bytes, nil
}

func (self *valueSource) readWord() (string, error) {
	value, err := self.expect(WordValue)
	if err != nil {
		return "", err
	}
	return value.Word, nil
}

func (self *valueSource) readOpen() error {
	value, err := self.expect(ListValue)
	if err != nil {
		return err
	}
	self.frames = append(self.frames, valueFrame{
		items: value.List,
	})
	return nil
}

func (self *valueSource) readClose() error {
	if len(self.frames) <= 1 {
		return malformedf("unbalanced ')'")
	}
	if _, ok := self.next(); ok {
		return malformedf("expected ')'")
	}
	self.frames = self.frames[:len(self.frames)-1]
	return nil
}

func (self *valueSource) readValue() (Value, error) {
	value, ok := self.next()
	if !ok {
		return Value{}, malformedf("expected a value, found end of list")
	}
	self.advance()
	return value, nil
}

func (self *valueSource) mark() wireMark {
	m := wireMark(len(self.marks))
	frames := make([]valueFrame, len(self.frames))
	copy(frames, self.frames)
	self.marks = append(self.marks, frames)
	return m
}

func (self *valueSource) reset(m wireMark) error {
	frames := self.marks[m]
	self.frames = make([]valueFrame, len(frames))
	copy(self.frames, frames)
	return nil
}

func (self *valueSource) unmark(m wireMark) {
	self.marks = self.marks[:m]
}

func (self *valueSource) wireStream() *WireReader {
	return nil
}

var failureRecordTemplate = MustCompileTemplate("(nssn)")

// readTemplate binds the next items of the source to `dst` as described by the template.
func readTemplate(source wireSource, template *Template, dst ...any) error {
	if n := template.DestinationCount(); n != len(dst) {
		return &TemplateError{
			Template: template.source,
			Reason:   fmt.Sprintf("template binds %d destinations, %d given", n, len(dst)),
		}
	}
	r := &templateReader{
		source: source,
		dst:    dst,
	}
	if template.wrapped {
		return r.readWrapped(template)
	}
	ok, err := r.readNodes(template.nodes)
	if err != nil {
		return err
	}
	if !ok {
		return malformedf("input does not match %s", template)
	}
	return nil
}

type templateReader struct {
	source wireSource
	dst    []any
	next   int
}

func (self *templateReader) take() any {
	dst := self.dst[self.next]
	self.next += 1
	return dst
}

// `( success X )` or `( failure ( err... ) )`
func (self *templateReader) readWrapped(template *Template) error {
	if err := self.source.readOpen(); err != nil {
		return err
	}
	status, err := self.source.readWord()
	if err != nil {
		return err
	}
	switch status {
	case "success":
		ok, err := self.readNodes(template.nodes)
		if err != nil {
			return err
		}
		if !ok {
			return malformedf("response does not match %s", template)
		}
		if err := self.skipRemaining(); err != nil {
			return err
		}
		return self.source.readClose()
	case "failure":
		failure, err := readFailure(self.source)
		if err != nil {
			return err
		}
		if err := self.skipRemaining(); err != nil {
			return err
		}
		if err := self.source.readClose(); err != nil {
			return err
		}
		return failure
	default:
		return malformedf("unknown response status '%s'", status)
	}
}

// reads the failure record list into an error chain. The file and line of each record are discarded.
func readFailure(source wireSource) (*ServerError, error) {
	if err := source.readOpen(); err != nil {
		return nil, err
	}
	var root *ServerError
	var last *ServerError
	for {
		kind, err := source.peekKind()
		if err != nil {
			return nil, err
		}
		if kind != itemOpen {
			break
		}
		record, err := source.readValue()
		if err != nil {
			return nil, err
		}
		var code int64
		var message string
		if err := record.Unpack(failureRecordTemplate, &code, &message, nil, nil); err != nil {
			return nil, err
		}
		serverErr := &ServerError{
			Code:    code,
			Message: message,
		}
		if last == nil {
			root = serverErr
		} else {
			last.Child = serverErr
		}
		last = serverErr
	}
	if root == nil {
		return nil, malformedf("empty error list")
	}
	if err := source.readClose(); err != nil {
		return nil, err
	}
	return root, nil
}

func (self *templateReader) readNodes(nodes []*templateNode) (bool, error) {
	for _, node := range nodes {
		ok, err := self.readNode(node)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// items past the end of a template group are ignored
func (self *templateReader) skipRemaining() error {
	for {
		kind, err := self.source.peekKind()
		if err != nil {
			return err
		}
		if kind == itemClose {
			return nil
		}
		if _, err := self.source.readValue(); err != nil {
			return err
		}
	}
}

func (self *templateReader) readNode(node *templateNode) (bool, error) {
	switch node.cardinality {
	case cardinalityOptional:
		return self.readOptional(node)
	case cardinalityRepeated:
		return self.readRepeated(node, self.take())
	}

	kind, err := self.source.peekKind()
	if err != nil {
		return false, err
	}
	if !kindMatches(node.kind, kind) {
		return false, nil
	}
	if node.kind != tokenGroup {
		return self.readScalar(node, self.take())
	}
	if err := self.source.readOpen(); err != nil {
		return false, err
	}
	ok, err := self.readNodes(node.children)
	if err != nil || !ok {
		return ok, err
	}
	if err := self.skipRemaining(); err != nil {
		return false, err
	}
	if err := self.source.readClose(); err != nil {
		return false, err
	}
	return true, nil
}

func (self *templateReader) readOptional(node *templateNode) (bool, error) {
	kind, err := self.source.peekKind()
	if err != nil {
		return false, err
	}
	if !kindMatches(node.kind, kind) {
		return true, self.bindAbsent(node)
	}
	if node.kind != tokenGroup {
		dst := self.take()
		ok, err := self.readScalar(node, dst)
		if err != nil || ok {
			return ok, err
		}
		// a list that is not a property pair, nothing was consumed
		return true, bindAbsentScalar(node.kind, dst)
	}

	start := self.next
	m := self.source.mark()
	defer self.source.unmark(m)

	if err := self.source.readOpen(); err != nil {
		return false, err
	}
	ok, err := self.readNodes(node.children)
	if err != nil {
		return false, err
	}
	if ok {
		if err := self.skipRemaining(); err != nil {
			return false, err
		}
		if err := self.source.readClose(); err != nil {
			return false, err
		}
		return true, nil
	}
	// the group did not match, rewind and treat as absent
	if err := self.source.reset(m); err != nil {
		return false, err
	}
	self.next = start
	return true, self.bindAbsent(node)
}

func (self *templateReader) readRepeated(node *templateNode, dst any) (bool, error) {
	for {
		kind, err := self.source.peekKind()
		if err != nil {
			return false, err
		}
		if !kindMatches(node.kind, kind) {
			return true, nil
		}
		if node.kind == tokenGroup {
			value, err := self.source.readValue()
			if err != nil {
				return false, err
			}
			if err := appendValue(dst, value); err != nil {
				return false, err
			}
			continue
		}
		if err := self.readRepeatedScalar(node, dst); err != nil {
			return false, err
		}
	}
}

func kindMatches(token tokenKind, kind itemKind) bool {
	switch token {
	case tokenNumber:
		return kind == itemNumber
	case tokenText, tokenBytes:
		return kind == itemString
	case tokenWord, tokenBool:
		return kind == itemWord
	case tokenGroup, tokenList, tokenProperty, tokenEdit:
		return kind == itemOpen
	default:
		return false
	}
}

func (self *templateReader) readScalar(node *templateNode, dst any) (bool, error) {
	switch node.kind {
	case tokenNumber:
		n, err := self.source.readNumber()
		if err != nil {
			return false, err
		}
		return true, bindNumber(dst, n)
	case tokenText:
		b, err := self.source.readString()
		if err != nil {
			return false, err
		}
		return true, bindText(dst, b)
	case tokenBytes:
		b, err := self.source.readString()
		if err != nil {
			return false, err
		}
		return true, bindBytes(dst, b)
	case tokenWord:
		w, err := self.source.readWord()
		if err != nil {
			return false, err
		}
		return true, bindWord(dst, w)
	case tokenBool:
		v, err := self.readBool()
		if err != nil {
			return false, err
		}
		return true, bindBool(dst, v)
	case tokenList:
		value, err := self.source.readValue()
		if err != nil {
			return false, err
		}
		return true, bindList(dst, value)
	case tokenProperty:
		change, ok, err := self.readProperty()
		if err != nil || !ok {
			return ok, err
		}
		return true, bindProperty(dst, change)
	case tokenEdit:
		return self.readEdit(dst)
	default:
		return false, fmt.Errorf("%w: cannot read %s", ErrInvalidTemplate, node.kind)
	}
}

func (self *templateReader) readRepeatedScalar(node *templateNode, dst any) error {
	switch node.kind {
	case tokenNumber:
		n, err := self.source.readNumber()
		if err != nil {
			return err
		}
		return appendNumber(dst, n)
	case tokenText, tokenBytes, tokenWord:
		var b []byte
		if node.kind == tokenWord {
			w, err := self.source.readWord()
			if err != nil {
				return err
			}
			b = []byte(w)
		} else {
			var err error
			b, err = self.source.readString()
			if err != nil {
				return err
			}
		}
		return appendString(dst, b)
	case tokenBool:
		v, err := self.readBool()
		if err != nil {
			return err
		}
		switch list := dst.(type) {
		case nil:
			return nil
		case *[]bool:
			*list = append(*list, v)
			return nil
		default:
			return bindTypeErr(tokenBool, dst)
		}
	case tokenList:
		value, err := self.source.readValue()
		if err != nil {
			return err
		}
		return appendValue(dst, value)
	case tokenProperty:
		change, ok, err := self.readProperty()
		if err != nil {
			return err
		}
		if !ok {
			return malformedf("expected a property pair")
		}
		return appendProperty(dst, change)
	default:
		return fmt.Errorf("%w: cannot repeat %s", ErrInvalidTemplate, node.kind)
	}
}

func (self *templateReader) readBool() (bool, error) {
	w, err := self.source.readWord()
	if err != nil {
		return false, err
	}
	switch w {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, malformedf("expected a boolean word, found '%s'", w)
	}
}

// `( name ?value )`
// readProperty reads a `( name ?value )` pair. When the list does not start with a name
// nothing is consumed and ok is false.
func (self *templateReader) readProperty() (PropertyChange, bool, error) {
	m := self.source.mark()
	defer self.source.unmark(m)

	if err := self.source.readOpen(); err != nil {
		return PropertyChange{}, false, err
	}
	if kind, err := self.source.peekKind(); err != nil {
		return PropertyChange{}, false, err
	} else if kind != itemString {
		if err := self.source.reset(m); err != nil {
			return PropertyChange{}, false, err
		}
		return PropertyChange{}, false, nil
	}
	name, err := self.source.readString()
	if err != nil {
		return PropertyChange{}, false, err
	}
	change := PropertyChange{
		Name: string(name),
	}
	kind, err := self.source.peekKind()
	if err != nil {
		return PropertyChange{}, false, err
	}
	// prop diffs wrap the value: `( name ( ?value ) )`
	nested := kind == itemOpen
	if nested {
		if err := self.source.readOpen(); err != nil {
			return PropertyChange{}, false, err
		}
		if kind, err = self.source.peekKind(); err != nil {
			return PropertyChange{}, false, err
		}
	}
	if kind == itemString {
		value, err := self.source.readString()
		if err != nil {
			return PropertyChange{}, false, err
		}
		if value == nil {
			value = []byte{}
		}
		change.Value = value
	}
	if nested {
		if err := self.skipRemaining(); err != nil {
			return PropertyChange{}, false, err
		}
		if err := self.source.readClose(); err != nil {
			return PropertyChange{}, false, err
		}
	}
	if err := self.skipRemaining(); err != nil {
		return PropertyChange{}, false, err
	}
	if err := self.source.readClose(); err != nil {
		return PropertyChange{}, false, err
	}
	return change, true, nil
}

func (self *templateReader) readEdit(dst any) (bool, error) {
	step, ok := dst.(*EditStep)
	if !ok || step.Handler == nil {
		return false, fmt.Errorf("%w: the edit token binds to an *EditStep with a handler, not %T", ErrInvalidTemplate, dst)
	}
	stream := self.source.wireStream()
	if stream == nil {
		return false, fmt.Errorf("%w: the edit token only reads from a stream", ErrInvalidTemplate)
	}
	more, err := step.Handler.HandleEditCommand(stream)
	if err != nil {
		return false, err
	}
	step.More = more
	return true, nil
}

func (self *templateReader) bindAbsent(node *templateNode) error {
	if node.kind != tokenGroup {
		return bindAbsentScalar(node.kind, self.take())
	}
	for _, child := range node.children {
		switch {
		case child.cardinality == cardinalityRepeated:
			resetRepeated(self.take())
		case child.kind == tokenGroup:
			if err := self.bindAbsent(child); err != nil {
				return err
			}
		default:
			if err := bindAbsentScalar(child.kind, self.take()); err != nil {
				return err
			}
		}
	}
	return nil
}

func bindTypeErr(kind tokenKind, dst any) error {
	return fmt.Errorf("%w: cannot bind %s to %T", ErrInvalidTemplate, kind, dst)
}

func bindNumber(dst any, n int64) error {
	switch v := dst.(type) {
	case nil:
	case *int64:
		*v = n
	case *int:
		*v = int(n)
	case *Revision:
		*v = Revision(n)
	case *uint64:
		*v = uint64(n)
	default:
		return bindTypeErr(tokenNumber, dst)
	}
	return nil
}

func bindText(dst any, b []byte) error {
	switch v := dst.(type) {
	case nil:
	case *string:
		*v = string(b)
	case **string:
		s := string(b)
		*v = &s
	case *[]byte:
		*v = b
	default:
		return bindTypeErr(tokenText, dst)
	}
	return nil
}

func bindBytes(dst any, b []byte) error {
	if b == nil {
		b = []byte{}
	}
	switch v := dst.(type) {
	case nil:
	case *[]byte:
		*v = b
	case *string:
		*v = string(b)
	default:
		return bindTypeErr(tokenBytes, dst)
	}
	return nil
}

func bindWord(dst any, w string) error {
	switch v := dst.(type) {
	case nil:
	case *string:
		*v = w
	default:
		return bindTypeErr(tokenWord, dst)
	}
	return nil
}

func bindBool(dst any, b bool) error {
	switch v := dst.(type) {
	case nil:
	case *bool:
		*v = b
	default:
		return bindTypeErr(tokenBool, dst)
	}
	return nil
}

func bindList(dst any, value Value) error {
	switch v := dst.(type) {
	case nil:
	case *Value:
		*v = value
	case *[]Value:
		*v = value.List
	default:
		return bindTypeErr(tokenList, dst)
	}
	return nil
}

func bindProperty(dst any, change PropertyChange) error {
	switch v := dst.(type) {
	case nil:
	case *PropertyChange:
		*v = change
	default:
		return bindTypeErr(tokenProperty, dst)
	}
	return nil
}

// absent values bind as number -1, empty text, nil bytes, false
func bindAbsentScalar(kind tokenKind, dst any) error {
	switch kind {
	case tokenNumber:
		return bindNumber(dst, -1)
	case tokenText:
		switch v := dst.(type) {
		case **string:
			*v = nil
			return nil
		case *[]byte:
			*v = nil
			return nil
		}
		return bindText(dst, nil)
	case tokenBytes:
		switch v := dst.(type) {
		case *[]byte:
			*v = nil
			return nil
		}
		return bindBytes(dst, nil)
	case tokenWord:
		return bindWord(dst, "")
	case tokenBool:
		return bindBool(dst, false)
	case tokenList:
		return bindList(dst, Value{})
	case tokenProperty:
		return bindProperty(dst, PropertyChange{})
	case tokenEdit:
		if step, ok := dst.(*EditStep); ok {
			step.More = false
		}
		return nil
	default:
		return bindTypeErr(kind, dst)
	}
}

func resetRepeated(dst any) {
	switch v := dst.(type) {
	case *[]int64:
		*v = nil
	case *[]Revision:
		*v = nil
	case *[]string:
		*v = nil
	case *[][]byte:
		*v = nil
	case *[]bool:
		*v = nil
	case *[]Value:
		*v = nil
	case *[]PropertyChange:
		*v = nil
	}
}

func appendNumber(dst any, n int64) error {
	switch v := dst.(type) {
	case nil:
	case *[]int64:
		*v = append(*v, n)
	case *[]Revision:
		*v = append(*v, Revision(n))
	case func(int64) error:
		return v(n)
	default:
		return bindTypeErr(tokenNumber, dst)
	}
	return nil
}

func appendString(dst any, b []byte) error {
	switch v := dst.(type) {
	case nil:
	case *[]string:
		*v = append(*v, string(b))
	case *[][]byte:
		*v = append(*v, b)
	case func(string) error:
		return v(string(b))
	case func([]byte) error:
		return v(b)
	default:
		return bindTypeErr(tokenText, dst)
	}
	return nil
}

func appendValue(dst any, value Value) error {
	switch v := dst.(type) {
	case nil:
	case *[]Value:
		*v = append(*v, value)
	case func(Value) error:
		return v(value)
	default:
		return bindTypeErr(tokenGroup, dst)
	}
	return nil
}

func appendProperty(dst any, change PropertyChange) error {
	switch v := dst.(type) {
	case nil:
	case *[]PropertyChange:
		*v = append(*v, change)
	case *Properties:
		if *v == nil {
			*v = Properties{}
		}
		(*v)[change.Name] = change.Value
	case Properties:
		v[change.Name] = change.Value
	case func(PropertyChange) error:
		return v(change)
	default:
		return bindTypeErr(tokenProperty, dst)
	}
	return nil
}

// unwraps a server failure out of the error chain, if any
func asServerError(err error) (*ServerError, bool) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr, true
	}
	return nil, false
}
