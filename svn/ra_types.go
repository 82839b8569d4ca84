package svn

import (
	"fmt"
	"strconv"
)

type Revision int64

// sent as an absent optional field
const InvalidRevision Revision = -1

func (self Revision) Valid() bool {
	return 0 <= self
}

func (self Revision) String() string {
	if !self.Valid() {
		return "r?"
	}
	return "r" + strconv.FormatInt(int64(self), 10)
}

type Depth string

const (
	DepthUnknown    Depth = ""
	DepthEmpty      Depth = "empty"
	DepthFiles      Depth = "files"
	DepthImmediates Depth = "immediates"
	DepthInfinity   Depth = "infinity"
)

// unknown depth is omitted on the wire
func (self Depth) wire() any {
	switch self {
	case DepthEmpty, DepthFiles, DepthImmediates, DepthInfinity:
		return string(self)
	default:
		return nil
	}
}

// the recurse flag older servers read before the depth word
func (self Depth) recurse() bool {
	return self != DepthEmpty && self != DepthFiles
}

type NodeKind string

const (
	NodeNone    NodeKind = "none"
	NodeFile    NodeKind = "file"
	NodeDir     NodeKind = "dir"
	NodeUnknown NodeKind = "unknown"
)

func parseNodeKind(word string) (NodeKind, error) {
	switch kind := NodeKind(word); kind {
	case NodeNone, NodeFile, NodeDir, NodeUnknown:
		return kind, nil
	default:
		return NodeUnknown, malformedf("unknown node kind '%s'", word)
	}
}

type DirentField string

const (
	DirentKind       DirentField = "kind"
	DirentSize       DirentField = "size"
	DirentHasProps   DirentField = "has-props"
	DirentCreatedRev DirentField = "created-rev"
	DirentTime       DirentField = "time"
	DirentLastAuthor DirentField = "last-author"
)

func AllDirentFields() []DirentField {
	return []DirentField{
		DirentKind,
		DirentSize,
		DirentHasProps,
		DirentCreatedRev,
		DirentTime,
		DirentLastAuthor,
	}
}

type Dirent struct {
	// entry name for a listing, empty for `stat`
	Name            string
	Kind            NodeKind
	Size            int64
	HasProps        bool
	CreatedRevision Revision
	CreatedDate     string
	LastAuthor      string
}

var direntTemplate = MustCompileTemplate("(swnfn(?s)(?s))")
var statTemplate = MustCompileTemplate("(wnfn(?s)(?s))")

func unpackDirent(value Value, withName bool) (*Dirent, error) {
	dirent := &Dirent{}
	var kind string
	var err error
	if withName {
		err = value.Unpack(direntTemplate, &dirent.Name, &kind, &dirent.Size, &dirent.HasProps, &dirent.CreatedRevision, &dirent.CreatedDate, &dirent.LastAuthor)
	} else {
		err = value.Unpack(statTemplate, &kind, &dirent.Size, &dirent.HasProps, &dirent.CreatedRevision, &dirent.CreatedDate, &dirent.LastAuthor)
	}
	if err != nil {
		return nil, err
	}
	if dirent.Kind, err = parseNodeKind(kind); err != nil {
		return nil, err
	}
	return dirent, nil
}

type ChangedPath struct {
	Path   string
	Action string
	// empty when the path was not copied
	CopyFromPath     string
	CopyFromRevision Revision
	Kind             NodeKind
	// empty when the server did not say
	TextModified  string
	PropsModified string
}

type LogEntry struct {
	Revision     Revision
	ChangedPaths []*ChangedPath
	Author       string
	Date         string
	Message      string
	HasChildren  bool
	// the revision was not readable
	InvalidRevision  bool
	RevisionProps    Properties
	SubtractiveMerge bool
}

type LocationSegment struct {
	RangeStart Revision
	RangeEnd   Revision
	// empty for a gap in the history
	Path string
}

type FileRevision struct {
	Path           string
	Revision       Revision
	RevisionProps  Properties
	PropChanges    []PropertyChange
	MergedRevision bool
	// the delta against the previous file revision, concatenated svndiff bytes
	Delta []byte
}

type Lock struct {
	Path    string
	Token   string
	Owner   string
	Comment string
	Created string
	// empty when the lock does not expire
	Expires string
}

var lockTemplate = MustCompileTemplate("(sss(?s)s(?s))")

func unpackLock(value Value) (*Lock, error) {
	lock := &Lock{}
	if err := value.Unpack(lockTemplate, &lock.Path, &lock.Token, &lock.Owner, &lock.Comment, &lock.Created, &lock.Expires); err != nil {
		return nil, err
	}
	return lock, nil
}

type CommitInfo struct {
	Revision Revision
	Date     string
	Author   string
	// set when the commit succeeded but a post-commit hook failed
	PostCommitError string
}

func (self *CommitInfo) String() string {
	return fmt.Sprintf("committed %s by %s at %s", self.Revision, self.Author, self.Date)
}

// ReposInfo is the repository identity sent after authentication.
type ReposInfo struct {
	Uuid         string
	RootUrl      string
	Capabilities []string
}

// path to merge info text
type MergeInfo map[string]string

type LockRequest struct {
	Path string
	// the base revision the lock is expected against, or `InvalidRevision`
	Revision Revision
}

type UnlockRequest struct {
	Path  string
	Token string
}

// FileInfo is the `get-file` response, the contents are streamed separately.
type FileInfo struct {
	Revision Revision
	// empty when the server sent no checksum
	Checksum   string
	Properties Properties
}

// DirInfo is the `get-dir` response, the entries are streamed separately.
type DirInfo struct {
	Revision   Revision
	Properties Properties
}
