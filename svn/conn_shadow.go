package svn

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/golang/glog"
)

// the shadow log mirrors the raw wire bytes of a connection into the log.
// Bytes accumulate per direction and are flushed once per read operation.

const shadowLogLimit = 512

type shadowLog struct {
	connId Id

	stateLock  sync.Mutex
	read       bytes.Buffer
	readCount  ByteCount
	written    bytes.Buffer
	writeCount ByteCount
}

func newShadowLog(connId Id) *shadowLog {
	return &shadowLog{
		connId: connId,
	}
}

func appendLimited(buffer *bytes.Buffer, b []byte) {
	if n := shadowLogLimit - buffer.Len(); 0 < n {
		buffer.Write(b[:min(n, len(b))])
	}
}

func (self *shadowLog) observeRead(b []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	appendLimited(&self.read, b)
	self.readCount += ByteCount(len(b))
}

func (self *shadowLog) observeWrite(b []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	appendLimited(&self.written, b)
	self.writeCount += ByteCount(len(b))
}

func (self *shadowLog) flush() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.writeCount {
		glog.Infof("[wire]%s -> (%s) %s\n", self.connId, formatByteCount(self.writeCount), quoteTruncated(&self.written, self.writeCount))
	}
	if 0 < self.readCount {
		glog.Infof("[wire]%s <- (%s) %s\n", self.connId, formatByteCount(self.readCount), quoteTruncated(&self.read, self.readCount))
	}
	self.read.Reset()
	self.readCount = 0
	self.written.Reset()
	self.writeCount = 0
}

func quoteTruncated(buffer *bytes.Buffer, count ByteCount) string {
	s := strconv.Quote(buffer.String())
	if ByteCount(buffer.Len()) < count {
		s += "..."
	}
	return s
}
