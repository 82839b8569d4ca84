package svn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// a transport opens the duplex byte stream a connection runs over.
// The connection only needs read, write, close and a staleness check.

const DefaultSvnPort = 3690

// Stream is one open duplex byte stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// the stream can no longer carry a request cycle
	IsStale() bool
}

type Connector interface {
	Connect(ctx context.Context, target *Target) (Stream, error)
}

// Target is a parsed repository url.
type Target struct {
	Scheme string
	// from the url userinfo, or empty
	User string
	Host string
	Port int
	// decoded, always starts with `/`
	Path string
}

func ParseTarget(rawUrl string) (*Target, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(u.Scheme, "svn") {
		return nil, fmt.Errorf("unsupported url scheme '%s'", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %s has no host", rawUrl)
	}
	target := &Target{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Path:   CanonicalPath(u.Path),
	}
	if u.User != nil {
		target.User = u.User.Username()
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("bad port in %s", rawUrl)
		}
		target.Port = port
	}
	return target, nil
}

var defaultPorts = map[string]int{
	"svn":     DefaultSvnPort,
	"svn+ssh": 22,
	"svn+ws":  80,
	"svn+wss": 443,
}

func (self *Target) effectivePort() int {
	if self.Port != 0 {
		return self.Port
	}
	return defaultPorts[self.Scheme]
}

func (self *Target) HostPort(defaultPort int) string {
	port := self.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(self.Host, strconv.Itoa(port))
}

// Url is the target without user info, with the path encoded.
func (self *Target) Url() string {
	host := self.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if self.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, self.Port)
	}
	return fmt.Sprintf("%s://%s%s", self.Scheme, host, EncodePath(self.Path))
}

func (self *Target) WithPath(path string) *Target {
	target := *self
	target.Path = CanonicalPath(path)
	return &target
}

func (self *Target) String() string {
	return self.Url()
}

// SchemeConnector dispatches on the url scheme.
type SchemeConnector struct {
	connectors map[string]Connector
	// serves any other `svn+name` scheme, may be nil
	tunnel Connector
}

func NewSchemeConnector(connectors map[string]Connector, tunnel Connector) *SchemeConnector {
	return &SchemeConnector{
		connectors: connectors,
		tunnel:     tunnel,
	}
}

// NewSchemeConnectorWithDefaults serves `svn`, `svn+ssh`, `svn+ws` and `svn+wss`.
// Other `svn+name` schemes run the tunnel command, see `DefaultTunnelSettings`.
func NewSchemeConnectorWithDefaults(ctx context.Context) *SchemeConnector {
	ws := NewWebSocketConnectorWithDefaults()
	return NewSchemeConnector(map[string]Connector{
		"svn":     NewSocketConnectorWithDefaults(),
		"svn+ssh": NewSshConnectorWithDefaults(ctx),
		"svn+ws":  ws,
		"svn+wss": ws,
	}, NewPipeConnectorWithDefaults())
}

func (self *SchemeConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	if connector, ok := self.connectors[target.Scheme]; ok {
		return connector.Connect(ctx, target)
	}
	if self.tunnel != nil && strings.HasPrefix(target.Scheme, "svn+") {
		return self.tunnel.Connect(ctx, target)
	}
	return nil, fmt.Errorf("no transport for scheme '%s'", target.Scheme)
}

// trackedStream tracks the liveness of a wrapped duplex stream.
// Stale once an I/O error or EOF was observed, once closed, once `exited` fires,
// or once idle longer than the stale timeout.
type trackedStream struct {
	rw           io.ReadWriteCloser
	staleTimeout time.Duration
	// closed when the process or session behind the stream exits
	exited <-chan struct{}

	stateLock    sync.Mutex
	lastActivity time.Time
	err          error
	closed       bool
	onClose      func()
}

func newTrackedStream(rw io.ReadWriteCloser, staleTimeout time.Duration, exited <-chan struct{}, onClose func()) *trackedStream {
	return &trackedStream{
		rw:           rw,
		staleTimeout: staleTimeout,
		exited:       exited,
		lastActivity: time.Now(),
		onClose:      onClose,
	}
}

func (self *trackedStream) observe(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastActivity = time.Now()
	if err != nil && self.err == nil {
		self.err = err
	}
}

func (self *trackedStream) Read(b []byte) (int, error) {
	n, err := self.rw.Read(b)
	self.observe(err)
	return n, err
}

func (self *trackedStream) Write(b []byte) (int, error) {
	n, err := self.rw.Write(b)
	self.observe(err)
	return n, err
}

func (self *trackedStream) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	onClose := self.onClose
	self.stateLock.Unlock()

	err := self.rw.Close()
	if onClose != nil {
		onClose()
	}
	return err
}

func (self *trackedStream) IsStale() bool {
	select {
	case <-self.exited:
		return true
	default:
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed || self.err != nil {
		return true
	}
	return 0 < self.staleTimeout && self.staleTimeout < time.Since(self.lastActivity)
}

// the first error seen on the stream, if any
func (self *trackedStream) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// readWriteCloser joins separate halves, e.g. process pipes
type readWriteCloser struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (self *readWriteCloser) Close() error {
	var errs []error
	for _, closer := range self.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// interruptibleStream lets a cancelled request cycle unblock the stream.
// Outside a cycle it passes calls through.
type interruptibleStream struct {
	stream Stream

	stateLock   sync.Mutex
	active      bool
	interrupted bool
	// a stream call failed after the interrupt
	failed bool
	// reads and writes in progress on the stream
	blocked int
}

func newInterruptibleStream(stream Stream) *interruptibleStream {
	return &interruptibleStream{
		stream: stream,
	}
}

func (self *interruptibleStream) begin() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.active = true
	self.interrupted = false
	self.failed = false
}

// end reports whether a stream call of the cycle failed after the interrupt.
// Then the position in the response is unknown.
func (self *interruptibleStream) end() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	failed := self.failed
	self.active = false
	self.interrupted = false
	self.failed = false
	return failed
}

func (self *interruptibleStream) interrupt() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.active {
		return
	}
	self.interrupted = true
	// closed under the lock so that no close lands after `end`
	if 0 < self.blocked {
		self.stream.Close()
	}
}

func (self *interruptibleStream) enter() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.interrupted {
		self.failed = true
		return false
	}
	self.blocked += 1
	return true
}

func (self *interruptibleStream) exit(err error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.blocked -= 1
	if err != nil && self.interrupted {
		self.failed = true
		return ErrCancelled
	}
	return err
}

func (self *interruptibleStream) Read(b []byte) (int, error) {
	if !self.enter() {
		return 0, ErrCancelled
	}
	n, err := self.stream.Read(b)
	return n, self.exit(err)
}

func (self *interruptibleStream) Write(b []byte) (int, error) {
	if !self.enter() {
		return 0, ErrCancelled
	}
	n, err := self.stream.Write(b)
	return n, self.exit(err)
}
