package delta

import (
	"errors"
	"fmt"
)

// a delta window rebuilds one contiguous range of the target from a view of the source,
// earlier bytes of the same target range, and new data carried in the window.

var ErrMalformedWindow = errors.New("malformed delta window")

// largest window a full-text encoding produces, the size the server uses
const DefaultWindowSize = 100 * 1024

type Op byte

const (
	// copy from the source view
	OpSource Op = 0
	// copy from earlier bytes of the target range, may overlap
	OpTarget Op = 1
	// copy from the window's new data
	OpNew Op = 2
)

func (self Op) String() string {
	switch self {
	case OpSource:
		return "source"
	case OpTarget:
		return "target"
	case OpNew:
		return "new"
	default:
		return fmt.Sprintf("op(%d)", byte(self))
	}
}

type Instruction struct {
	Op Op
	// unused for `OpNew`, new data is consumed in order
	Offset int64
	Length int64
}

type Window struct {
	SourceOffset int64
	SourceLength int64
	TargetLength int64
	Instructions []Instruction
	NewData      []byte
}

// NewDataWindow builds a window that carries `data` as new data.
func NewDataWindow(data []byte) *Window {
	window := &Window{
		TargetLength: int64(len(data)),
		NewData:      data,
	}
	if 0 < len(data) {
		window.Instructions = []Instruction{
			{Op: OpNew, Length: int64(len(data))},
		}
	}
	return window
}

// NewDataWindows splits `data` into full-text windows of at most `windowSize` bytes.
func NewDataWindows(data []byte, windowSize int) []*Window {
	windows := []*Window{}
	for 0 < len(data) {
		n := min(windowSize, len(data))
		windows = append(windows, NewDataWindow(data[:n]))
		data = data[n:]
	}
	return windows
}

// Validate checks that every instruction stays within its view and that the
// instructions produce exactly the target length.
func (self *Window) Validate() error {
	if self.SourceOffset < 0 || self.SourceLength < 0 || self.TargetLength < 0 {
		return fmt.Errorf("%w: negative view", ErrMalformedWindow)
	}
	var targetPosition int64
	var newPosition int64
	for i, instruction := range self.Instructions {
		if instruction.Length <= 0 {
			return fmt.Errorf("%w: instruction %d has length %d", ErrMalformedWindow, i, instruction.Length)
		}
		switch instruction.Op {
		case OpSource:
			if instruction.Offset < 0 || self.SourceLength < instruction.Offset+instruction.Length {
				return fmt.Errorf("%w: source copy %d outside the source view", ErrMalformedWindow, i)
			}
		case OpTarget:
			if instruction.Offset < 0 || targetPosition <= instruction.Offset {
				return fmt.Errorf("%w: target copy %d reads ahead", ErrMalformedWindow, i)
			}
		case OpNew:
			if int64(len(self.NewData)) < newPosition+instruction.Length {
				return fmt.Errorf("%w: new data copy %d outside the new data", ErrMalformedWindow, i)
			}
			newPosition += instruction.Length
		default:
			return fmt.Errorf("%w: unknown op %s", ErrMalformedWindow, instruction.Op)
		}
		targetPosition += instruction.Length
	}
	if targetPosition != self.TargetLength {
		return fmt.Errorf("%w: instructions produce %d bytes, the target is %d", ErrMalformedWindow, targetPosition, self.TargetLength)
	}
	return nil
}

// Apply reconstructs the target range from the source view,
// the `SourceLength` bytes of the source starting at `SourceOffset`.
func Apply(sourceView []byte, window *Window) ([]byte, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if int64(len(sourceView)) < window.SourceLength {
		return nil, fmt.Errorf("%w: source view has %d bytes, the window needs %d", ErrMalformedWindow, len(sourceView), window.SourceLength)
	}
	target := make([]byte, 0, window.TargetLength)
	var newPosition int64
	for _, instruction := range window.Instructions {
		switch instruction.Op {
		case OpSource:
			target = append(target, sourceView[instruction.Offset:instruction.Offset+instruction.Length]...)
		case OpTarget:
			// byte at a time so that an overlapping copy repeats the pattern
			for i := int64(0); i < instruction.Length; i += 1 {
				target = append(target, target[instruction.Offset+i])
			}
		case OpNew:
			target = append(target, window.NewData[newPosition:newPosition+instruction.Length]...)
			newPosition += instruction.Length
		}
	}
	return target, nil
}

func (self *Window) String() string {
	return fmt.Sprintf(
		"window(source %d+%d target %d, %d instructions, %d new)",
		self.SourceOffset,
		self.SourceLength,
		self.TargetLength,
		len(self.Instructions),
		len(self.NewData),
	)
}
