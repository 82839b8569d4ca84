package delta

import (
	"bytes"
	"compress/zlib"
	"fmt"
)

// the stream header, followed by the format version byte
var header = []byte("SVN")

const (
	// plain sections
	Version0 byte = 0
	// sections carry their original length and are zlib compressed when that is smaller
	Version1 byte = 1
)

func appendVarint(b []byte, n uint64) []byte {
	// big endian base 128, continuation bit on all but the last byte
	var digits [10]byte
	i := len(digits) - 1
	digits[i] = byte(n & 0x7f)
	n >>= 7
	for 0 < n {
		i -= 1
		digits[i] = byte(n&0x7f) | 0x80
		n >>= 7
	}
	return append(b, digits[i:]...)
}

func appendInstruction(b []byte, instruction Instruction) []byte {
	opBits := byte(instruction.Op) << 6
	if 0 < instruction.Length && instruction.Length < 0x40 {
		b = append(b, opBits|byte(instruction.Length))
	} else {
		b = append(b, opBits)
		b = appendVarint(b, uint64(instruction.Length))
	}
	if instruction.Op != OpNew {
		b = appendVarint(b, uint64(instruction.Offset))
	}
	return b
}

func encodeSection(section []byte, version byte) ([]byte, error) {
	if version == Version0 {
		return section, nil
	}
	out := appendVarint(nil, uint64(len(section)))
	if len(section) == 0 {
		return out, nil
	}
	compressed := &bytes.Buffer{}
	zw := zlib.NewWriter(compressed)
	if _, err := zw.Write(section); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if compressed.Len() < len(section) {
		return append(out, compressed.Bytes()...), nil
	}
	return append(out, section...), nil
}

// EncodeWindow encodes one window. The first window of a stream carries the header.
func EncodeWindow(window *Window, version byte, first bool) ([]byte, error) {
	if version != Version0 && version != Version1 {
		return nil, fmt.Errorf("unsupported delta version %d", version)
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	instructions := []byte{}
	for _, instruction := range window.Instructions {
		instructions = appendInstruction(instructions, instruction)
	}
	instructionSection, err := encodeSection(instructions, version)
	if err != nil {
		return nil, err
	}
	newSection, err := encodeSection(window.NewData, version)
	if err != nil {
		return nil, err
	}

	b := []byte{}
	if first {
		b = append(b, header...)
		b = append(b, version)
	}
	b = appendVarint(b, uint64(window.SourceOffset))
	b = appendVarint(b, uint64(window.SourceLength))
	b = appendVarint(b, uint64(window.TargetLength))
	b = appendVarint(b, uint64(len(instructionSection)))
	b = appendVarint(b, uint64(len(newSection)))
	b = append(b, instructionSection...)
	b = append(b, newSection...)
	return b, nil
}

// EncodeHeader is the stream header alone, for a delta with no windows.
func EncodeHeader(version byte) []byte {
	return append(append([]byte{}, header...), version)
}

// Encoder encodes the windows of one delta stream.
type Encoder struct {
	version byte
	first   bool
}

func NewEncoder(version byte) *Encoder {
	return &Encoder{
		version: version,
		first:   true,
	}
}

func (self *Encoder) Version() byte {
	return self.version
}

func (self *Encoder) Encode(window *Window) ([]byte, error) {
	b, err := EncodeWindow(window, self.version, self.first)
	if err != nil {
		return nil, err
	}
	self.first = false
	return b, nil
}

// Finish returns the header when no window was encoded, so that an empty delta
// is still distinguishable from no delta at all. Otherwise nil.
func (self *Encoder) Finish() []byte {
	if !self.first {
		return nil
	}
	self.first = false
	return EncodeHeader(self.version)
}
