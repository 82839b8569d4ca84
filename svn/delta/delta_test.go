package delta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func decodeAll(t *testing.T, chunks [][]byte) []*Window {
	windows := []*Window{}
	decoder := NewDecoder(func(window *Window) error {
		windows = append(windows, window)
		return nil
	})
	for _, chunk := range chunks {
		_, err := decoder.Write(chunk)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, decoder.Close(), nil)
	return windows
}

func TestDeltaVarint(t *testing.T) {
	for _, n := range []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 40} {
		b := appendVarint(nil, n)
		i := 0
		m, err := readVarint(b, &i)
		assert.Equal(t, err, nil)
		assert.Equal(t, m, n)
		assert.Equal(t, i, len(b))
	}
	assert.Equal(t, appendVarint(nil, 0x80), []byte{0x81, 0x00})
}

func TestDeltaFullTextRoundTrip(t *testing.T) {
	content := []byte("hello world\n")

	for _, version := range []byte{Version0, Version1} {
		encoder := NewEncoder(version)
		b, err := encoder.Encode(NewDataWindow(content))
		assert.Equal(t, err, nil)
		assert.Equal(t, b[:4], []byte{'S', 'V', 'N', version})

		windows := decodeAll(t, [][]byte{b})
		assert.Equal(t, len(windows), 1)
		target, err := Apply(nil, windows[0])
		assert.Equal(t, err, nil)
		assert.Equal(t, target, content)
	}
}

func TestDeltaArbitraryChunks(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 4096)
	encoder := NewEncoder(Version1)
	stream := []byte{}
	for _, window := range NewDataWindows(content, 10000) {
		b, err := encoder.Encode(window)
		assert.Equal(t, err, nil)
		stream = append(stream, b...)
	}

	// one byte at a time
	chunks := [][]byte{}
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}
	windows := decodeAll(t, chunks)
	assert.Equal(t, len(windows), 4)

	target := []byte{}
	for _, window := range windows {
		part, err := Apply(nil, window)
		assert.Equal(t, err, nil)
		target = append(target, part...)
	}
	assert.Equal(t, target, content)
}

func TestDeltaApplyCopies(t *testing.T) {
	window := &Window{
		SourceOffset: 0,
		SourceLength: 5,
		TargetLength: 11,
		Instructions: []Instruction{
			{Op: OpSource, Offset: 1, Length: 3},
			{Op: OpNew, Length: 2},
			// overlapping copy repeats the last two bytes
			{Op: OpTarget, Offset: 3, Length: 6},
		},
		NewData: []byte("xy"),
	}
	target, err := Apply([]byte("abcde"), window)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(target), "bcdxyxyxyxy")

	for _, version := range []byte{Version0, Version1} {
		b, err := EncodeWindow(window, version, true)
		assert.Equal(t, err, nil)
		windows := decodeAll(t, [][]byte{b})
		assert.Equal(t, len(windows), 1)
		assert.Equal(t, windows[0].Instructions, window.Instructions)
		assert.Equal(t, windows[0].SourceLength, int64(5))
	}
}

func TestDeltaInvalidWindow(t *testing.T) {
	window := &Window{
		SourceLength: 2,
		TargetLength: 4,
		Instructions: []Instruction{
			{Op: OpSource, Offset: 1, Length: 4},
		},
	}
	_, err := Apply([]byte("ab"), window)
	assert.Equal(t, errors.Is(err, ErrMalformedWindow), true)

	decoder := NewDecoder(func(window *Window) error {
		return nil
	})
	_, err = decoder.Write([]byte("XYZ\x00"))
	assert.Equal(t, errors.Is(err, ErrMalformedWindow), true)
}

func TestDeltaTruncatedStream(t *testing.T) {
	b, err := EncodeWindow(NewDataWindow([]byte("twelve bytes")), Version0, true)
	assert.Equal(t, err, nil)

	decoder := NewDecoder(func(window *Window) error {
		return nil
	})
	_, err = decoder.Write(b[:len(b)-3])
	assert.Equal(t, err, nil)
	assert.Equal(t, decoder.WindowCount(), 0)
	assert.Equal(t, errors.Is(decoder.Close(), ErrMalformedWindow), true)

	decoder.Reset()
	_, err = decoder.Write(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoder.WindowCount(), 1)
	assert.Equal(t, decoder.Close(), nil)
}
