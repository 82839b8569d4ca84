package svn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// repository access: one method per protocol command.
//
// Paths passed to a session are either relative to the session location (`trunk/a.txt`, `.`),
// or repository paths starting with `/`. Both are sent relative to the location.
// Revisions are optional on the wire, `InvalidRevision` means the head revision.

// the date layout `get-dated-rev` expects
const svnDateLayout = "2006-01-02T15:04:05.000000Z"

var (
	noArgsTemplate           = MustCompileTemplate("")
	emptyResponseTemplate    = MustCompileTemplate("[()]")
	revisionResponseTemplate = MustCompileTemplate("[(n)]")
	chunkTemplate            = MustCompileTemplate("b")

	reparentTemplate       = MustCompileTemplate("s")
	datedRevTemplate       = MustCompileTemplate("s")
	pathRevTemplate        = MustCompileTemplate("s(?n)")
	checkPathResponse      = MustCompileTemplate("[(w)]")
	optionalListResponse   = MustCompileTemplate("[((?l))]")
	getFileTemplate        = MustCompileTemplate("s(?n)ff")
	getFileResponse        = MustCompileTemplate("[((?s)n(*p))]")
	getDirTemplate         = MustCompileTemplate("s(?n)ff(*w)")
	getDirResponse         = MustCompileTemplate("[(n(*p)(*l))]")
	revPropListTemplate    = MustCompileTemplate("n")
	propListResponse       = MustCompileTemplate("[((*p))]")
	revPropTemplate        = MustCompileTemplate("ns")
	revPropResponse        = MustCompileTemplate("[((?b))]")
	changeRevPropTemplate  = MustCompileTemplate("ns?b")
	getLocationsTemplate   = MustCompileTemplate("sn(*n)")
	locationTemplate       = MustCompileTemplate("(ns)")
	getSegmentsTemplate    = MustCompileTemplate("s(?n)(?n)(?n)")
	segmentTemplate        = MustCompileTemplate("(nn?s)")
	getFileRevsTemplate    = MustCompileTemplate("s(?n)(?n)?f")
	fileRevTemplate        = MustCompileTemplate("(sn(*p)(*p)?f)")
	getMergeInfoTemplate   = MustCompileTemplate("(*s)(?n)wf")
	listResponse           = MustCompileTemplate("[((*l))]")
	mergeInfoEntryTemplate = MustCompileTemplate("(ss)")
)

// ends a run of streamed records
const recordSeparatorWord = "done"

// merge info inheritance words for `GetMergeInfo`
const (
	MergeInfoExplicit        = "explicit"
	MergeInfoInherited       = "inherited"
	MergeInfoNearestAncestor = "nearest-ancestor"
)

// Session is a repository access session at a location url.
// A session is not safe for concurrent use, it owns its connection until closed.
type Session struct {
	conn  *Conn
	paths *PathMapper
	// nil when the session owns the connection
	handle *PoolHandle[*Conn]

	closeOnce sync.Once
	closeErr  error
}

func OpenSessionWithDefaults(ctx context.Context, url string, connector Connector, authProvider AuthProvider) (*Session, error) {
	return OpenSession(ctx, url, connector, authProvider, DefaultSessionSettings())
}

// OpenSession opens a connection of its own to `url`.
func OpenSession(
	ctx context.Context,
	url string,
	connector Connector,
	authProvider AuthProvider,
	settings *SessionSettings,
) (*Session, error) {
	target, err := ParseTarget(url)
	if err != nil {
		return nil, err
	}
	conn, err := OpenConn(ctx, target, connector, authProvider, settings)
	if err != nil {
		return nil, err
	}
	session, err := newSession(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

func newSession(conn *Conn, handle *PoolHandle[*Conn]) (*Session, error) {
	paths, err := NewPathMapper(conn.ReposInfo().RootUrl, conn.Url())
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:   conn,
		paths:  paths,
		handle: handle,
	}, nil
}

// Close returns a pooled connection to its pool, or closes an owned connection.
// A connection left busy by an unfinished edit is never pooled.
func (self *Session) Close() error {
	self.closeOnce.Do(func() {
		if self.handle == nil {
			self.closeErr = self.conn.Close()
			return
		}
		if self.conn.Busy() || self.conn.IsStale() {
			self.handle.Discard()
		} else {
			self.handle.Release()
		}
	})
	return self.closeErr
}

func (self *Session) Conn() *Conn {
	return self.conn
}

func (self *Session) Paths() *PathMapper {
	return self.paths
}

func (self *Session) RootUrl() string {
	return self.paths.RootUrl()
}

// Url is the current session location.
func (self *Session) Url() string {
	return self.paths.LocationUrl()
}

func (self *Session) Uuid() string {
	return self.conn.ReposInfo().Uuid
}

func (self *Session) HasCapability(capability string) bool {
	return self.conn.HasCapability(capability)
}

func (self *Session) String() string {
	return fmt.Sprintf("session %s %s", self.conn.Id(), self.Url())
}

func (self *Session) command(ctx context.Context, command string, args *Template, values []any, response *Template, dst ...any) error {
	return traced(fmt.Sprintf("[ra]%s %s", command, self.conn.Id()), func() error {
		return self.conn.Command(ctx, command, args, values, response, dst...)
	})
}

// read continues a response after the command cycle
func (self *Session) read(template *Template, dst ...any) error {
	err := self.conn.Read(template, dst...)
	self.conn.checkAligned(err)
	return err
}

func (self *Session) wirePath(p string) (string, error) {
	return self.paths.WirePath(p)
}

func (self *Session) wirePaths(ps []string) ([]string, error) {
	wirePaths := make([]string, 0, len(ps))
	for _, p := range ps {
		wirePath, err := self.wirePath(p)
		if err != nil {
			return nil, err
		}
		wirePaths = append(wirePaths, wirePath)
	}
	return wirePaths, nil
}

// recordSink hands records to a handler. After the handler fails or the context is cancelled,
// records are still accepted and dropped so that the response is read to its end.
type recordSink struct {
	ctx    context.Context
	handle func(Value) error
	err    error
}

func newRecordSink(ctx context.Context, handle func(Value) error) *recordSink {
	return &recordSink{
		ctx:    ctx,
		handle: handle,
	}
}

func (self *recordSink) accept(value Value) error {
	if self.err != nil {
		return nil
	}
	if self.ctx.Err() != nil {
		self.err = ErrCancelled
		return nil
	}
	if err := self.handle(value); err != nil {
		self.err = err
	}
	return nil
}

// readRecord reads the next record list, or returns false at the `done` word.
func (self *Session) readRecord() (Value, bool, error) {
	value, err := self.conn.ReadValue()
	if err != nil {
		self.conn.checkAligned(err)
		return Value{}, false, err
	}
	if value.Kind == WordValue && value.Word == recordSeparatorWord {
		return Value{}, false, nil
	}
	if value.Kind != ListValue {
		err := malformedf("expected a record or '%s', found %s", recordSeparatorWord, value.Kind)
		self.conn.checkAligned(err)
		return Value{}, false, err
	}
	return value, true, nil
}

// readRecords reads records up to the `done` word, then the closing status.
func (self *Session) readRecords(sink *recordSink) error {
	for {
		record, more, err := self.readRecord()
		if err != nil {
			return err
		}
		if !more {
			break
		}
		sink.accept(record)
	}
	if err := self.read(emptyResponseTemplate); err != nil {
		return err
	}
	return sink.err
}

// readChunks copies byte string chunks into `w` until an empty chunk.
// A write error or cancellation stops the copy but not the read.
func (self *Session) readChunks(ctx context.Context, w io.Writer) (writeErr error, returnErr error) {
	for {
		var chunk []byte
		if returnErr = self.read(chunkTemplate, &chunk); returnErr != nil {
			return
		}
		if len(chunk) == 0 {
			return
		}
		if writeErr != nil {
			continue
		}
		if ctx.Err() != nil {
			writeErr = ErrCancelled
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			writeErr = err
		}
	}
}

// Reparent moves the session to another url in the same repository.
func (self *Session) Reparent(ctx context.Context, url string) error {
	location, err := self.paths.RepositoryPathFromUrl(url)
	if err != nil {
		return err
	}
	if location == self.paths.Location() && self.conn.Url() == self.paths.LocationUrl() {
		return nil
	}
	locationUrl := self.paths.Url(location)
	if err := self.command(ctx, "reparent", reparentTemplate, []any{locationUrl}, emptyResponseTemplate); err != nil {
		return err
	}
	if err := self.paths.SetLocation(locationUrl); err != nil {
		return err
	}
	self.conn.setUrl(locationUrl)
	return nil
}

func (self *Session) LatestRevision(ctx context.Context) (Revision, error) {
	revision := InvalidRevision
	err := self.command(ctx, "get-latest-rev", noArgsTemplate, nil, revisionResponseTemplate, &revision)
	return revision, err
}

// DatedRevision is the youngest revision at or before `date`.
func (self *Session) DatedRevision(ctx context.Context, date time.Time) (Revision, error) {
	revision := InvalidRevision
	args := []any{date.UTC().Format(svnDateLayout)}
	err := self.command(ctx, "get-dated-rev", datedRevTemplate, args, revisionResponseTemplate, &revision)
	return revision, err
}

func (self *Session) CheckPath(ctx context.Context, path string, revision Revision) (NodeKind, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return NodeUnknown, err
	}
	var kind string
	if err := self.command(ctx, "check-path", pathRevTemplate, []any{wirePath, revision}, checkPathResponse, &kind); err != nil {
		return NodeUnknown, err
	}
	return parseNodeKind(kind)
}

// Stat returns nil when the path does not exist.
func (self *Session) Stat(ctx context.Context, path string, revision Revision) (*Dirent, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	var entry Value
	if err := self.command(ctx, "stat", pathRevTemplate, []any{wirePath, revision}, optionalListResponse, &entry); err != nil {
		return nil, err
	}
	if !entry.IsList() {
		return nil, nil
	}
	return unpackDirent(entry, false)
}

// GetFile streams the file contents into `contents` when it is not nil.
func (self *Session) GetFile(ctx context.Context, path string, revision Revision, wantProps bool, contents io.Writer) (*FileInfo, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	info := &FileInfo{}
	args := []any{wirePath, revision, wantProps, contents != nil}
	if err := self.command(ctx, "get-file", getFileTemplate, args, getFileResponse, &info.Checksum, &info.Revision, &info.Properties); err != nil {
		return nil, err
	}
	if contents == nil {
		return info, nil
	}
	writeErr, err := self.readChunks(ctx, contents)
	if err != nil {
		return nil, err
	}
	if err := self.read(emptyResponseTemplate); err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, writeErr
	}
	return info, nil
}

// GetDir lists a directory. `handleEntry` is called per entry as it is read,
// when it is nil no entries are requested.
func (self *Session) GetDir(
	ctx context.Context,
	path string,
	revision Revision,
	wantProps bool,
	fields []DirentField,
	handleEntry func(*Dirent) error,
) (*DirInfo, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	fieldWords := make([]string, 0, len(fields))
	for _, field := range fields {
		fieldWords = append(fieldWords, string(field))
	}
	sink := newRecordSink(ctx, func(value Value) error {
		if handleEntry == nil {
			// entries were not requested
			return nil
		}
		dirent, err := unpackDirent(value, true)
		if err != nil {
			return err
		}
		return handleEntry(dirent)
	})
	info := &DirInfo{}
	args := []any{wirePath, revision, wantProps, handleEntry != nil, fieldWords}
	if err := self.command(ctx, "get-dir", getDirTemplate, args, getDirResponse, &info.Revision, &info.Properties, sink.accept); err != nil {
		return nil, err
	}
	if sink.err != nil {
		return nil, sink.err
	}
	return info, nil
}

func (self *Session) RevisionProperties(ctx context.Context, revision Revision) (Properties, error) {
	props := Properties{}
	if err := self.command(ctx, "rev-proplist", revPropListTemplate, []any{revision}, propListResponse, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// RevisionProperty returns nil when the property is not set.
func (self *Session) RevisionProperty(ctx context.Context, revision Revision, name string) ([]byte, error) {
	var value []byte
	if err := self.command(ctx, "rev-prop", revPropTemplate, []any{revision, name}, revPropResponse, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// ChangeRevisionProperty sets a revision property, a nil value deletes it.
func (self *Session) ChangeRevisionProperty(ctx context.Context, revision Revision, name string, value []byte) error {
	return self.command(ctx, "change-rev-prop", changeRevPropTemplate, []any{revision, name, value}, emptyResponseTemplate)
}

// GetLocations maps each of `revisions` to the repository path `path@pegRevision` had in it.
// Revisions where the path did not exist are missing from the result.
func (self *Session) GetLocations(ctx context.Context, path string, pegRevision Revision, revisions []Revision) (map[Revision]string, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	locations := map[Revision]string{}
	sink := newRecordSink(ctx, func(value Value) error {
		var revision Revision
		var location string
		if err := value.Unpack(locationTemplate, &revision, &location); err != nil {
			return err
		}
		locations[revision] = location
		return nil
	})
	args := []any{wirePath, pegRevision, revisions}
	if err := self.command(ctx, "get-locations", getLocationsTemplate, args, nil); err != nil {
		return nil, notImplemented("get-locations", err)
	}
	if err := self.readRecords(sink); err != nil {
		return nil, notImplemented("get-locations", err)
	}
	return locations, nil
}

// GetLocationSegments calls `handleSegment` for each contiguous range of the path history, youngest first.
func (self *Session) GetLocationSegments(
	ctx context.Context,
	path string,
	pegRevision Revision,
	startRevision Revision,
	endRevision Revision,
	handleSegment func(*LocationSegment) error,
) error {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return err
	}
	sink := newRecordSink(ctx, func(value Value) error {
		segment := &LocationSegment{}
		if err := value.Unpack(segmentTemplate, &segment.RangeStart, &segment.RangeEnd, &segment.Path); err != nil {
			return err
		}
		return handleSegment(segment)
	})
	args := []any{wirePath, pegRevision, startRevision, endRevision}
	if err := self.command(ctx, "get-location-segments", getSegmentsTemplate, args, nil); err != nil {
		return notImplemented("get-location-segments", err)
	}
	return notImplemented("get-location-segments", self.readRecords(sink))
}

// GetFileRevisions calls `handleRevision` for each revision that changed the file,
// with the delta against the previous one.
func (self *Session) GetFileRevisions(
	ctx context.Context,
	path string,
	startRevision Revision,
	endRevision Revision,
	includeMerged bool,
	handleRevision func(*FileRevision) error,
) error {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return err
	}
	args := []any{wirePath, startRevision, endRevision, includeMerged}
	if err := self.command(ctx, "get-file-revs", getFileRevsTemplate, args, nil); err != nil {
		return notImplemented("get-file-revs", err)
	}

	var fileRevision *FileRevision
	sink := newRecordSink(ctx, func(Value) error {
		return handleRevision(fileRevision)
	})
	for {
		value, more, err := self.readRecord()
		if err != nil {
			return err
		}
		if !more {
			break
		}
		fileRevision = &FileRevision{
			RevisionProps: Properties{},
		}
		var propChanges []PropertyChange
		if err := value.Unpack(
			fileRevTemplate,
			&fileRevision.Path,
			&fileRevision.Revision,
			&fileRevision.RevisionProps,
			&propChanges,
			&fileRevision.MergedRevision,
		); err != nil {
			self.conn.checkAligned(err)
			return err
		}
		fileRevision.PropChanges = propChanges
		delta := &bytes.Buffer{}
		// the sink checks cancellation per record
		if _, err := self.readChunks(context.Background(), delta); err != nil {
			return err
		}
		if 0 < delta.Len() {
			fileRevision.Delta = delta.Bytes()
		}
		sink.accept(value)
	}
	if err := self.read(emptyResponseTemplate); err != nil {
		return err
	}
	return sink.err
}

// GetMergeInfo returns the merge info of each path that has any.
func (self *Session) GetMergeInfo(
	ctx context.Context,
	paths []string,
	revision Revision,
	inherit string,
	includeDescendants bool,
) (MergeInfo, error) {
	wirePaths, err := self.wirePaths(paths)
	if err != nil {
		return nil, err
	}
	if inherit == "" {
		inherit = MergeInfoExplicit
	}
	var entries []Value
	args := []any{wirePaths, revision, inherit, includeDescendants}
	if err := self.command(ctx, "get-mergeinfo", getMergeInfoTemplate, args, listResponse, &entries); err != nil {
		return nil, notImplemented("get-mergeinfo", err)
	}
	mergeInfo := MergeInfo{}
	for _, entry := range entries {
		var path string
		var info string
		if err := entry.Unpack(mergeInfoEntryTemplate, &path, &info); err != nil {
			return nil, err
		}
		mergeInfo[path] = info
	}
	return mergeInfo, nil
}

// SessionPool pools authenticated connections by (user, host, port, credential fingerprint).
// A pooled connection serves one session at a time, and is reparented to the requested url.
type SessionPool struct {
	connector Connector
	settings  *SessionSettings
	conns     *Pool[*Conn]
}

func NewSessionPoolWithDefaults(ctx context.Context, connector Connector) *SessionPool {
	return NewSessionPool(ctx, connector, DefaultSessionSettings(), DefaultPoolSettings())
}

func NewSessionPool(ctx context.Context, connector Connector, settings *SessionSettings, poolSettings *PoolSettings) *SessionPool {
	exclusiveSettings := *poolSettings
	exclusiveSettings.Exclusive = true
	return &SessionPool{
		connector: connector,
		settings:  settings,
		conns:     NewPool[*Conn](ctx, &exclusiveSettings),
	}
}

// Open opens a session at `url` with a single credential, or anonymously when `credential` is nil.
func (self *SessionPool) Open(ctx context.Context, url string, credential *Credential) (*Session, error) {
	var authProvider AuthProvider
	if credential == nil {
		authProvider = NewStaticAuthProvider()
	} else {
		authProvider = NewStaticAuthProvider(credential)
	}
	return self.OpenWithProvider(ctx, url, authProvider, credential.Fingerprint())
}

// OpenWithProvider opens a session at `url`. `fingerprint` identifies the credentials
// the provider yields, connections are only shared between equal fingerprints.
func (self *SessionPool) OpenWithProvider(ctx context.Context, url string, authProvider AuthProvider, fingerprint string) (*Session, error) {
	target, err := ParseTarget(url)
	if err != nil {
		return nil, err
	}
	key := PoolKey{
		User:                  target.User,
		Host:                  strings.ToLower(target.Host),
		Port:                  target.effectivePort(),
		CredentialFingerprint: fingerprint,
	}
	opened := false
	open := func(ctx context.Context) (*Conn, error) {
		opened = true
		return OpenConn(ctx, target, self.connector, authProvider, self.settings)
	}

	for {
		handle, err := self.conns.Acquire(ctx, key, open)
		if err != nil {
			return nil, err
		}
		session, err := newSession(handle.Resource(), handle)
		if err == nil {
			err = session.Reparent(ctx, target.Url())
		}
		switch {
		case err == nil:
			return session, nil
		case errors.Is(err, ErrRepositoryMismatch) && !opened:
			// a connection to another repository on the same server
			glog.V(1).Infof("[ra]%s not in %s, discarding\n", url, handle.Resource())
			handle.Discard()
		case errors.Is(err, ErrCancelled):
			handle.Discard()
			return nil, err
		default:
			if _, ok := asServerError(err); ok {
				handle.Release()
			} else {
				handle.Discard()
			}
			return nil, err
		}
	}
}

// Size is the number of pooled connections, and how many of them are idle.
func (self *SessionPool) Size() (int, int) {
	return self.conns.Size()
}

func (self *SessionPool) Shutdown() {
	self.conns.Shutdown()
}
