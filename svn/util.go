package svn

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

func formatByteCount(c ByteCount) string {
	switch {
	case mib(1) <= c:
		return fmt.Sprintf("%.2fmib", float64(c)/float64(mib(1)))
	case kib(1) <= c:
		return fmt.Sprintf("%.2fkib", float64(c)/float64(kib(1)))
	default:
		return fmt.Sprintf("%db", c)
	}
}
