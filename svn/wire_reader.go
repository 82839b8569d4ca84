package svn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
)

type WireReaderSettings struct {
	BufferSize ByteCount
	// lookahead bytes retained for rewinding an optional group
	MarkLimit ByteCount
	// the largest declared string length that will be read
	MaxStringLength ByteCount
	// the most bytes discarded when resynchronizing after malformed data
	DrainLimit ByteCount
	MaxDepth   int
}

func DefaultWireReaderSettings() *WireReaderSettings {
	return &WireReaderSettings{
		BufferSize:      kib(64),
		MarkLimit:       kib(64),
		MaxStringLength: mib(64),
		DrainLimit:      kib(64),
		MaxDepth:        64,
	}
}

// WireReader decodes wire items from a byte stream.
// Not safe for concurrent use.
type WireReader struct {
	reader   *bufio.Reader
	settings *WireReaderSettings

	// bytes rewound by a reset, consumed before the reader
	pending []byte

	markDepth    int
	recorded     []byte
	markOverflow bool

	// observes bytes as they are consumed from the underlying stream
	observer func([]byte)
}

func NewWireReaderWithDefaults(r io.Reader) *WireReader {
	return NewWireReader(r, DefaultWireReaderSettings())
}

func NewWireReader(r io.Reader, settings *WireReaderSettings) *WireReader {
	return &WireReader{
		reader:   bufio.NewReaderSize(r, int(settings.BufferSize)),
		settings: settings,
	}
}

func (self *WireReader) setObserver(observer func([]byte)) {
	self.observer = observer
}

// Read binds the next items to `dst` as described by the template.
// A status wrapped template returns the failure chain as a `*ServerError`.
func (self *WireReader) Read(template *Template, dst ...any) error {
	return readTemplate(self, template, dst...)
}

// ReadValue reads the next whole item.
func (self *WireReader) ReadValue() (Value, error) {
	return self.readValue()
}

// Drain discards up to `DrainLimit` of already buffered input.
// This is a best effort resynchronization after malformed data.
func (self *WireReader) Drain() int {
	n := len(self.pending)
	self.pending = nil
	buffered := min(self.reader.Buffered(), int(self.settings.DrainLimit)-n)
	if 0 < buffered {
		discarded, _ := self.reader.Discard(buffered)
		n += discarded
	}
	return n
}

func (self *WireReader) wireStream() *WireReader {
	return self
}

func (self *WireReader) record(b []byte) {
	if self.markDepth == 0 || self.markOverflow {
		return
	}
	if int(self.settings.MarkLimit) < len(self.recorded)+len(b) {
		self.markOverflow = true
		return
	}
	self.recorded = append(self.recorded, b...)
}

func (self *WireReader) peekAt(i int) (byte, error) {
	if i < len(self.pending) {
		return self.pending[i], nil
	}
	b, err := self.reader.Peek(i - len(self.pending) + 1)
	if err != nil {
		return 0, err
	}
	return b[len(b)-1], nil
}

func (self *WireReader) readByte() (byte, error) {
	var c byte
	if 0 < len(self.pending) {
		c = self.pending[0]
		self.pending = self.pending[1:]
	} else {
		var err error
		c, err = self.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		if self.observer != nil {
			self.observer([]byte{c})
		}
	}
	self.record([]byte{c})
	return c, nil
}

func (self *WireReader) readFull(n int) ([]byte, error) {
	out := make([]byte, n)
	k := copy(out, self.pending)
	self.pending = self.pending[k:]
	if k < n {
		if _, err := io.ReadFull(self.reader, out[k:]); err != nil {
			return nil, err
		}
		if self.observer != nil {
			self.observer(out[k:])
		}
	}
	self.record(out)
	return out, nil
}

// EOF between items is a closed connection, EOF inside an item is also malformed data
func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}

func truncatedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || err == ErrConnectionClosed {
		return fmt.Errorf("%w: %w", ErrMalformedWireData, ErrConnectionClosed)
	}
	return err
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\n', '\t', '\r':
		return true
	default:
		return false
	}
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func (self *WireReader) skipSpace() error {
	for {
		c, err := self.peekAt(0)
		if err != nil {
			return closedErr(err)
		}
		if !isSpace(c) {
			return nil
		}
		if _, err := self.readByte(); err != nil {
			return closedErr(err)
		}
	}
}

// an item must be followed by whitespace or a bracket
func (self *WireReader) expectDelimiter() error {
	c, err := self.peekAt(0)
	if err != nil {
		return truncatedErr(err)
	}
	if isSpace(c) || c == '(' || c == ')' {
		return nil
	}
	return malformedf("unexpected '%c' after item", c)
}

func (self *WireReader) peekKind() (itemKind, error) {
	if err := self.skipSpace(); err != nil {
		return 0, err
	}
	c, err := self.peekAt(0)
	if err != nil {
		return 0, closedErr(err)
	}
	switch {
	case c == '(':
		return itemOpen, nil
	case c == ')':
		return itemClose, nil
	case isLetter(c):
		return itemWord, nil
	case c == '-':
		return itemNumber, nil
	case isDigit(c):
		// digits followed by ':' are a string length
		for i := 1; ; i += 1 {
			c, err := self.peekAt(i)
			if err != nil {
				return 0, truncatedErr(err)
			}
			if c == ':' {
				return itemString, nil
			}
			if !isDigit(c) {
				return itemNumber, nil
			}
			if 20 < i {
				return 0, malformedf("number too long")
			}
		}
	default:
		return 0, malformedf("unexpected '%c'", c)
	}
}

func (self *WireReader) readDigits() (uint64, error) {
	var n uint64
	digits := 0
	for {
		c, err := self.peekAt(0)
		if err != nil {
			return 0, truncatedErr(err)
		}
		if !isDigit(c) {
			break
		}
		if _, err := self.readByte(); err != nil {
			return 0, truncatedErr(err)
		}
		d := uint64(c - '0')
		if (math.MaxInt64-d)/10 < n {
			return 0, malformedf("number overflows 64 bits")
		}
		n = 10*n + d
		digits += 1
	}
	if digits == 0 {
		return 0, malformedf("expected a digit")
	}
	return n, nil
}

func (self *WireReader) readNumber() (int64, error) {
	if err := self.skipSpace(); err != nil {
		return 0, err
	}
	negative := false
	if c, err := self.peekAt(0); err == nil && c == '-' {
		negative = true
		if _, err := self.readByte(); err != nil {
			return 0, truncatedErr(err)
		}
	}
	n, err := self.readDigits()
	if err != nil {
		return 0, err
	}
	if err := self.expectDelimiter(); err != nil {
		return 0, err
	}
	if negative {
		return -int64(n), nil
	}
	return int64(n), nil
}

func (self *WireReader) readString() ([]byte, error) {
	if err := self.skipSpace(); err != nil {
		return nil, err
	}
	n, err := self.readDigits()
	if err != nil {
		return nil, err
	}
	c, err := self.readByte()
	if err != nil {
		return nil, truncatedErr(err)
	}
	if c != ':' {
		return nil, malformedf("expected ':' after string length")
	}
	if uint64(self.settings.MaxStringLength) < n {
		return nil, malformedf("string length %d exceeds %s", n, formatByteCount(self.settings.MaxStringLength))
	}
	b, err := self.readFull(int(n))
	if err != nil {
		return nil, truncatedErr(err)
	}
	if err := self.expectDelimiter(); err != nil {
		return nil, err
	}
	return b, nil
}

func (self *WireReader) readWord() (string, error) {
	if err := self.skipSpace(); err != nil {
		return "", err
	}
	word := []byte{}
	for {
		c, err := self.peekAt(0)
		if err != nil {
			return "", truncatedErr(err)
		}
		if len(word) == 0 {
			if !isLetter(c) {
				return "", malformedf("expected a word")
			}
		} else if !isLetter(c) && !isDigit(c) && c != '-' {
			break
		}
		if _, err := self.readByte(); err != nil {
			return "", truncatedErr(err)
		}
		word = append(word, c)
	}
	if err := self.expectDelimiter(); err != nil {
		return "", err
	}
	return string(word), nil
}

func (self *WireReader) readBracket(bracket byte) error {
	if err := self.skipSpace(); err != nil {
		return err
	}
	c, err := self.readByte()
	if err != nil {
		return truncatedErr(err)
	}
	if c != bracket {
		return malformedf("expected '%c', found '%c'", bracket, c)
	}
	return nil
}

func (self *WireReader) readOpen() error {
	return self.readBracket('(')
}

func (self *WireReader) readClose() error {
	return self.readBracket(')')
}

func (self *WireReader) readValue() (Value, error) {
	return self.readValueAtDepth(0)
}

func (self *WireReader) readValueAtDepth(depth int) (Value, error) {
	if self.settings.MaxDepth < depth {
		return Value{}, malformedf("lists nested deeper than %d", self.settings.MaxDepth)
	}
	kind, err := self.peekKind()
	if err != nil {
		return Value{}, err
	}
	switch kind {
	case itemNumber:
		n, err := self.readNumber()
		if err != nil {
			return Value{}, err
		}
		return NumberOf(n), nil
	case itemString:
		b, err := self.readString()
		if err != nil {
			return Value{}, err
		}
		return BytesOf(b), nil
	case itemWord:
		w, err := self.readWord()
		if err != nil {
			return Value{}, err
		}
		return WordOf(w), nil
	case itemOpen:
		if err := self.readOpen(); err != nil {
			return Value{}, err
		}
		items := []Value{}
		for {
			kind, err := self.peekKind()
			if err != nil {
				return Value{}, truncatedErr(err)
			}
			if kind == itemClose {
				break
			}
			item, err := self.readValueAtDepth(depth + 1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		if err := self.readClose(); err != nil {
			return Value{}, err
		}
		return ListOf(items...), nil
	default:
		return Value{}, malformedf("unexpected %s", kind)
	}
}

func (self *WireReader) mark() wireMark {
	if self.markDepth == 0 {
		self.recorded = self.recorded[:0]
		self.markOverflow = false
	}
	self.markDepth += 1
	return wireMark(len(self.recorded))
}

func (self *WireReader) reset(m wireMark) error {
	if self.markOverflow {
		return ErrMarkExceeded
	}
	replay := make([]byte, 0, len(self.recorded)-int(m)+len(self.pending))
	replay = append(replay, self.recorded[m:]...)
	replay = append(replay, self.pending...)
	self.pending = replay
	self.recorded = self.recorded[:m]
	return nil
}

func (self *WireReader) unmark(m wireMark) {
	self.markDepth -= 1
	if self.markDepth == 0 {
		self.recorded = self.recorded[:0]
		self.markOverflow = false
	}
}
