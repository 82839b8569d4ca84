package svn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// the single protocol version this engine speaks
const ProtocolVersion = 2

// server capability words
const (
	CapabilityEditPipeline   = "edit-pipeline"
	CapabilitySvndiff1       = "svndiff1"
	CapabilityAbsentEntries  = "absent-entries"
	CapabilityCommitRevprops = "commit-revprops"
	CapabilityMergeInfo      = "mergeinfo"
	CapabilityDepth          = "depth"
	CapabilityLogRevprops    = "log-revprops"
	CapabilityPartialReplay  = "partial-replay"
	CapabilityAtomicRevprops = "atomic-revprops"
)

type SessionSettings struct {
	// sent in the handshake
	ClientName   string
	Capabilities []string
	// a stream idle longer than this is reopened before the next command
	StaleTimeout time.Duration
	// mirror wire bytes into the log, also enabled at `-v=3`
	WireLog         bool
	ReaderSettings  *WireReaderSettings
	WriteBufferSize ByteCount
	Responders      []ChallengeResponder
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ClientName: "rasvn/1",
		Capabilities: []string{
			CapabilityEditPipeline,
			CapabilitySvndiff1,
			CapabilityAbsentEntries,
			CapabilityDepth,
			CapabilityMergeInfo,
			CapabilityLogRevprops,
		},
		StaleTimeout:    5 * time.Minute,
		ReaderSettings:  DefaultWireReaderSettings(),
		WriteBufferSize: kib(16),
		Responders: []ChallengeResponder{
			&CramMd5Responder{},
		},
	}
}

type connState int

const (
	connIdle connState = iota
	connReopening
	connClosed
)

var (
	greetingTemplate    = MustCompileTemplate("[(nnl?l)]")
	clientReplyTemplate = MustCompileTemplate("n(*w)s?s()")
	reposInfoTemplate   = MustCompileTemplate("[(ss?(*w))]")
)

// Conn is one authenticated protocol connection.
// Request cycles on a connection are strictly sequential, a connection is owned by one caller at a time.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        Id
	target    *Target
	connector Connector
	settings  *SessionSettings
	auth      *authenticator

	stream Stream
	// the stream as seen by the reader and writer
	io     *interruptibleStream
	reader *WireReader
	writer *WireWriter
	shadow *shadowLog

	stateLock sync.Mutex
	state     connState
	busy      bool

	lastActivity time.Time

	// url announced in the handshake, moves with reparent
	url string

	serverMinVersion int64
	serverMaxVersion int64
	capabilities     map[string]bool
	reposInfo        *ReposInfo
	realm            string
	authenticated    bool
	credential       *Credential
}

func OpenConnWithDefaults(
	ctx context.Context,
	target *Target,
	connector Connector,
	authProvider AuthProvider,
) (*Conn, error) {
	return OpenConn(ctx, target, connector, authProvider, DefaultSessionSettings())
}

// OpenConn connects, handshakes and authenticates.
func OpenConn(
	ctx context.Context,
	target *Target,
	connector Connector,
	authProvider AuthProvider,
	settings *SessionSettings,
) (*Conn, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		ctx:       cancelCtx,
		cancel:    cancel,
		id:        NewId(),
		target:    target,
		connector: connector,
		settings:  settings,
		url:       target.Url(),
		state:     connIdle,
	}
	responders := map[string]ChallengeResponder{}
	for _, responder := range settings.Responders {
		responders[responder.Mechanism()] = responder
	}
	conn.auth = &authenticator{
		conn:       conn,
		provider:   authProvider,
		responders: responders,
	}

	open := func() error {
		return conn.open(ctx)
	}
	if err := traced(fmt.Sprintf("[conn]open %s %s", conn.id, target), open); err != nil {
		cancel()
		return nil, err
	}
	return conn, nil
}

func (self *Conn) open(ctx context.Context) error {
	stream, err := self.connector.Connect(ctx, self.target)
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			stream.Close()
		}
	}()

	self.stream = stream
	self.io = newInterruptibleStream(stream)
	self.reader = NewWireReader(self.io, self.settings.ReaderSettings)
	self.writer = NewWireWriter(self.io, self.settings.WriteBufferSize)
	if self.settings.WireLog || bool(glog.V(3)) {
		self.shadow = newShadowLog(self.id)
		self.reader.setObserver(self.shadow.observeRead)
		self.writer.setObserver(self.shadow.observeWrite)
	}

	err = self.interruptible(ctx, func() error {
		if err := self.handshake(); err != nil {
			return err
		}
		if err := self.ReadAuthRequest(ctx); err != nil {
			return err
		}
		return self.readReposInfo()
	})
	if err != nil {
		return self.cancelledErr(ctx, err)
	}
	success = true
	self.lastActivity = time.Now()
	return nil
}

// interruptible runs one request cycle. Once `ctx` is done, a read or write blocked on the stream
// is interrupted by closing the stream, and later stream calls in the cycle fail.
// Bytes already buffered are still consumed, so a response read to its end keeps the stream.
// When a stream call failed the stream is closed before the cycle returns, never after.
func (self *Conn) interruptible(ctx context.Context, do func() error) error {
	stream := self.io
	stream.begin()
	stop := context.AfterFunc(ctx, stream.interrupt)
	err := do()
	stop()
	if stream.end() {
		self.stream.Close()
	}
	return err
}

func (self *Conn) handshake() error {
	var first Value
	var second Value
	if err := self.Read(greetingTemplate, &self.serverMinVersion, &self.serverMaxVersion, &first, &second); err != nil {
		return err
	}
	// with a single word list it is the capability list
	capsList := first
	if second.IsList() {
		capsList = second
	}
	if ProtocolVersion < self.serverMinVersion || self.serverMaxVersion < ProtocolVersion {
		return &VersionError{
			MinVersion: self.serverMinVersion,
			MaxVersion: self.serverMaxVersion,
		}
	}
	self.capabilities = map[string]bool{}
	for _, item := range capsList.List {
		if item.Kind == WordValue {
			self.capabilities[item.Word] = true
		}
	}
	if !self.capabilities[CapabilityEditPipeline] {
		return &CapabilityError{
			Capability: CapabilityEditPipeline,
		}
	}
	glog.V(1).Infof("[conn]%s server versions %d-%d capabilities %v\n", self.id, self.serverMinVersion, self.serverMaxVersion, self.Capabilities())

	return self.writeTuple(clientReplyTemplate, int64(ProtocolVersion), self.settings.Capabilities, self.url, self.settings.ClientName)
}

func (self *Conn) readReposInfo() error {
	info := &ReposInfo{}
	if err := self.Read(reposInfoTemplate, &info.Uuid, &info.RootUrl, &info.Capabilities); err != nil {
		return err
	}
	for _, capability := range info.Capabilities {
		self.capabilities[capability] = true
	}
	root, err := ParseTarget(info.RootUrl)
	if err != nil {
		return malformedf("bad repository root url %s", info.RootUrl)
	}
	location, err := ParseTarget(self.url)
	if err != nil {
		return err
	}
	if !sameServer(root, location) {
		return fmt.Errorf("%w: root %s does not contain %s", ErrRepositoryMismatch, info.RootUrl, self.url)
	}
	if _, ok := relativeTo(root.Path, location.Path); !ok {
		return fmt.Errorf("%w: root %s does not contain %s", ErrRepositoryMismatch, info.RootUrl, self.url)
	}
	if self.reposInfo != nil && self.reposInfo.Uuid != info.Uuid {
		return fmt.Errorf("%w: repository uuid changed from %s to %s", ErrRepositoryMismatch, self.reposInfo.Uuid, info.Uuid)
	}
	self.reposInfo = info
	glog.V(1).Infof("[conn]%s repository %s root %s\n", self.id, info.Uuid, info.RootUrl)
	return nil
}

// ReadAuthRequest reads the authentication request that precedes a command response,
// and runs the exchange when the server offers mechanisms.
func (self *Conn) ReadAuthRequest(ctx context.Context) error {
	var mechanisms []string
	var realm string
	if err := self.Read(authRequestTemplate, &mechanisms, &realm); err != nil {
		return err
	}
	return self.auth.authenticate(ctx, mechanisms, realm)
}

func (self *Conn) cancelledErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// Read binds the next response items. The shadow log is flushed when the read completes.
func (self *Conn) Read(template *Template, dst ...any) error {
	if self.shadow != nil {
		defer self.shadow.flush()
	}
	return self.reader.Read(template, dst...)
}

// ReadValue reads the next whole item.
func (self *Conn) ReadValue() (Value, error) {
	if self.shadow != nil {
		defer self.shadow.flush()
	}
	return self.reader.ReadValue()
}

// Drain discards buffered input after malformed data.
func (self *Conn) Drain() {
	n := self.reader.Drain()
	glog.V(1).Infof("[conn]%s drained %s\n", self.id, formatByteCount(ByteCount(n)))
}

func (self *Conn) writeTuple(template *Template, values ...any) error {
	if err := self.writer.Open(); err != nil {
		return err
	}
	if err := self.writer.Write(template, values...); err != nil {
		return err
	}
	if err := self.writer.Close(); err != nil {
		return err
	}
	return self.writer.Flush()
}

// writeCommand writes `( command ( args ) )` and flushes.
func (self *Conn) writeCommand(command string, template *Template, values ...any) error {
	if err := self.writer.Open(); err != nil {
		return err
	}
	if err := self.writer.WriteWord(command); err != nil {
		return err
	}
	if err := self.writer.Open(); err != nil {
		return err
	}
	if err := self.writer.Write(template, values...); err != nil {
		return err
	}
	if err := self.writer.Close(); err != nil {
		return err
	}
	if err := self.writer.Close(); err != nil {
		return err
	}
	return self.writer.Flush()
}

// writeEditCommand writes `( command ( args ) )` where the template carries the argument list.
// Edit commands are pipelined, they are only flushed when asked.
func (self *Conn) writeEditCommand(command string, template *Template, flush bool, values ...any) error {
	if err := self.writer.Open(); err != nil {
		return err
	}
	if err := self.writer.WriteWord(command); err != nil {
		return err
	}
	if err := self.writer.Write(template, values...); err != nil {
		return err
	}
	if err := self.writer.Close(); err != nil {
		return err
	}
	if flush {
		return self.writer.Flush()
	}
	return nil
}

// beginCommand prepares a request cycle: the connection must not be busy with an edit,
// and a stale stream is transparently reopened.
func (self *Conn) beginCommand(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	self.stateLock.Lock()
	state := self.state
	busy := self.busy
	self.stateLock.Unlock()

	switch {
	case state == connClosed:
		return ErrConnectionClosed
	case busy:
		return ErrConnectionBusy
	case state == connReopening:
		// a nested cycle during reopen uses the new stream as is
		return nil
	}
	idle := time.Since(self.lastActivity)
	if self.stream.IsStale() || (0 < self.settings.StaleTimeout && self.settings.StaleTimeout < idle) {
		return self.reopen(ctx)
	}
	return nil
}

// Command runs one request cycle: write, auth request, then the status wrapped response.
func (self *Conn) Command(ctx context.Context, command string, args *Template, values []any, response *Template, dst ...any) error {
	if err := self.beginCommand(ctx); err != nil {
		return err
	}
	err := self.interruptible(ctx, func() error {
		if err := self.writeCommand(command, args, values...); err != nil {
			return err
		}
		if err := self.ReadAuthRequest(ctx); err != nil {
			return err
		}
		if response == nil {
			return nil
		}
		return self.Read(response, dst...)
	})
	self.lastActivity = time.Now()
	self.checkAligned(err)
	return self.cancelledErr(ctx, err)
}

// after malformed input the stream position is unknown. The stream is drained and closed,
// so that the next command reopens it.
func (self *Conn) checkAligned(err error) {
	if err == nil || !errors.Is(err, ErrMalformedWireData) {
		return
	}
	if _, ok := asServerError(err); ok {
		// reported by the server, the stream is still aligned
		return
	}
	glog.Infof("[conn]%s malformed data = %s\n", self.id, err)
	self.Drain()
	self.stream.Close()
}

func (self *Conn) reopen(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state != connIdle {
		self.stateLock.Unlock()
		return nil
	}
	self.state = connReopening
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == connReopening {
			self.state = connIdle
		}
	}()

	glog.Infof("[conn]%s stale, reopening %s\n", self.id, self.url)
	self.stream.Close()
	location, err := ParseTarget(self.url)
	if err != nil {
		return err
	}
	self.target = location
	self.authenticated = false
	if err := self.open(ctx); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: reopen failed: %w", ErrConnectionClosed, err)
	}
	return nil
}

// endEdit releases the connection from an edit. When the edit was not read to its end
// the stream is closed, and the next command reopens it.
func (self *Conn) endEdit(aligned bool) {
	if !aligned {
		glog.Infof("[conn]%s edit ended mid stream, closing\n", self.id)
		self.stream.Close()
	}
	self.setBusy(false)
}

// setBusy marks the connection as owned by an open edit
func (self *Conn) setBusy(busy bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.busy = busy
}

func (self *Conn) Busy() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.busy
}

func (self *Conn) setUrl(url string) {
	self.url = url
}

func (self *Conn) Id() Id {
	return self.id
}

func (self *Conn) Target() *Target {
	return self.target
}

func (self *Conn) Url() string {
	return self.url
}

func (self *Conn) ReposInfo() *ReposInfo {
	return self.reposInfo
}

func (self *Conn) Realm() string {
	return self.realm
}

func (self *Conn) Authenticated() bool {
	return self.authenticated
}

func (self *Conn) HasCapability(capability string) bool {
	return self.capabilities[capability]
}

func (self *Conn) Capabilities() []string {
	capabilities := []string{}
	for capability := range self.capabilities {
		capabilities = append(capabilities, capability)
	}
	slices.Sort(capabilities)
	return capabilities
}

// the legacy delta format is in force when the server does not speak svndiff1
func (self *Conn) deltaVersion() byte {
	if self.HasCapability(CapabilitySvndiff1) {
		return 1
	}
	return 0
}

func (self *Conn) IsStale() bool {
	self.stateLock.Lock()
	closed := self.state == connClosed
	self.stateLock.Unlock()
	return closed || self.stream.IsStale()
}

func (self *Conn) Close() error {
	self.stateLock.Lock()
	if self.state == connClosed {
		self.stateLock.Unlock()
		return nil
	}
	self.state = connClosed
	self.stateLock.Unlock()

	self.cancel()
	glog.V(1).Infof("[conn]%s close\n", self.id)
	return self.stream.Close()
}

func (self *Conn) String() string {
	return fmt.Sprintf("conn %s %s", self.id, strings.TrimSuffix(self.url, "/"))
}
