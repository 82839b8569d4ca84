package delta

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

// a window section or the new data larger than this is rejected
const MaxSectionLength = 64 * 1024 * 1024

var errShort = errors.New("short")

// reads a varint at `b[*i:]`, errShort when incomplete
func readVarint(b []byte, i *int) (uint64, error) {
	var n uint64
	for j := 0; j < 10; j += 1 {
		if len(b) <= *i {
			return 0, errShort
		}
		c := b[*i]
		*i += 1
		n = (n << 7) | uint64(c&0x7f)
		if c&0x80 == 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: varint overflow", ErrMalformedWindow)
}

func decodeSection(section []byte, version byte) ([]byte, error) {
	if version == Version0 {
		return section, nil
	}
	i := 0
	originalLength, err := readVarint(section, &i)
	if err != nil {
		return nil, fmt.Errorf("%w: section length", ErrMalformedWindow)
	}
	if MaxSectionLength < originalLength {
		return nil, fmt.Errorf("%w: section of %d bytes", ErrMalformedWindow, originalLength)
	}
	data := section[i:]
	if uint64(len(data)) == originalLength {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedWindow, err)
	}
	defer zr.Close()
	out := make([]byte, originalLength)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedWindow, err)
	}
	return out, nil
}

func decodeInstructions(b []byte) ([]Instruction, error) {
	instructions := []Instruction{}
	i := 0
	for i < len(b) {
		c := b[i]
		i += 1
		instruction := Instruction{
			Op:     Op(c >> 6),
			Length: int64(c & 0x3f),
		}
		if instruction.Length == 0 {
			n, err := readVarint(b, &i)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction length", ErrMalformedWindow)
			}
			instruction.Length = int64(n)
		}
		if instruction.Op != OpNew {
			n, err := readVarint(b, &i)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction offset", ErrMalformedWindow)
			}
			instruction.Offset = int64(n)
		}
		instructions = append(instructions, instruction)
	}
	return instructions, nil
}

// Decoder is written the bytes of a delta stream in arbitrary chunks
// and calls back with each complete window.
type Decoder struct {
	onWindow func(*Window) error

	version     byte
	headerRead  bool
	buffer      []byte
	windowCount int
}

func NewDecoder(onWindow func(*Window) error) *Decoder {
	return &Decoder{
		onWindow: onWindow,
	}
}

// Version is the format version from the header, valid once the header was read.
func (self *Decoder) Version() byte {
	return self.version
}

func (self *Decoder) WindowCount() int {
	return self.windowCount
}

func (self *Decoder) Write(b []byte) (int, error) {
	self.buffer = append(self.buffer, b...)
	if !self.headerRead {
		if len(self.buffer) < len(header)+1 {
			return len(b), nil
		}
		if !bytes.Equal(self.buffer[:len(header)], header) {
			return 0, fmt.Errorf("%w: missing header", ErrMalformedWindow)
		}
		self.version = self.buffer[len(header)]
		if self.version != Version0 && self.version != Version1 {
			return 0, fmt.Errorf("%w: unsupported version %d", ErrMalformedWindow, self.version)
		}
		self.buffer = self.buffer[len(header)+1:]
		self.headerRead = true
	}
	for {
		window, n, err := self.decodeWindow(self.buffer)
		if errors.Is(err, errShort) {
			break
		}
		if err != nil {
			return 0, err
		}
		self.buffer = self.buffer[n:]
		self.windowCount += 1
		if err := self.onWindow(window); err != nil {
			return 0, err
		}
	}
	if len(self.buffer) == 0 {
		// release the backing array between windows
		self.buffer = nil
	}
	return len(b), nil
}

func (self *Decoder) decodeWindow(b []byte) (*Window, int, error) {
	i := 0
	fields := [5]uint64{}
	for j := range fields {
		n, err := readVarint(b, &i)
		if err != nil {
			return nil, 0, err
		}
		fields[j] = n
	}
	instructionLength := fields[3]
	newLength := fields[4]
	if MaxSectionLength < instructionLength || MaxSectionLength < newLength {
		return nil, 0, fmt.Errorf("%w: window sections %d and %d", ErrMalformedWindow, instructionLength, newLength)
	}
	end := i + int(instructionLength) + int(newLength)
	if len(b) < end {
		return nil, 0, errShort
	}
	instructionSection, err := decodeSection(b[i:i+int(instructionLength)], self.version)
	if err != nil {
		return nil, 0, err
	}
	newData, err := decodeSection(b[i+int(instructionLength):end], self.version)
	if err != nil {
		return nil, 0, err
	}
	instructions, err := decodeInstructions(instructionSection)
	if err != nil {
		return nil, 0, err
	}
	window := &Window{
		SourceOffset: int64(fields[0]),
		SourceLength: int64(fields[1]),
		TargetLength: int64(fields[2]),
		Instructions: instructions,
		// the caller may hold the window after the buffer moves on
		NewData: bytes.Clone(newData),
	}
	if err := window.Validate(); err != nil {
		return nil, 0, err
	}
	return window, end, nil
}

// Close checks that the stream ended on a window boundary.
func (self *Decoder) Close() error {
	if 0 < len(self.buffer) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedWindow, len(self.buffer))
	}
	if !self.headerRead && 0 < self.windowCount {
		return fmt.Errorf("%w: missing header", ErrMalformedWindow)
	}
	return nil
}

// Reset readies the decoder for the next stream.
func (self *Decoder) Reset() {
	self.version = 0
	self.headerRead = false
	self.buffer = nil
	self.windowCount = 0
}
