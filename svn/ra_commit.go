package svn

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	commitTemplate     = MustCompileTemplate("s(*(ss))f(*p)")
	commitInfoTemplate = MustCompileTemplate("(n(?s)(?s)?(?s))")
)

type CommitRequest struct {
	Message string
	// path to lock token, for locked paths the commit changes
	LockTokens map[string]string
	KeepLocks  bool
	// set on the new revision along with the message
	RevisionProps Properties
}

// CommitEditor drives a commit on the session connection.
// The connection is busy until the edit is closed or aborted.
type CommitEditor struct {
	*EditDriver

	session *Session
	ctx     context.Context

	info     *CommitInfo
	busyOnce sync.Once
}

// Commit starts a commit. Every path in the edit is relative to the session location.
func (self *Session) Commit(ctx context.Context, request *CommitRequest) (*CommitEditor, error) {
	if 0 < len(request.RevisionProps) && !self.conn.HasCapability(CapabilityCommitRevprops) {
		return nil, &CapabilityError{
			Capability: CapabilityCommitRevprops,
		}
	}
	lockPaths := maps.Keys(request.LockTokens)
	slices.Sort(lockPaths)
	lockTokens := make([][]any, 0, len(lockPaths))
	for _, path := range lockPaths {
		wirePath, err := self.wirePath(path)
		if err != nil {
			return nil, err
		}
		lockTokens = append(lockTokens, []any{wirePath, request.LockTokens[path]})
	}
	revisionProps := request.RevisionProps
	if revisionProps == nil {
		revisionProps = Properties{}
	}

	args := []any{request.Message, lockTokens, request.KeepLocks, revisionProps}
	if err := self.command(ctx, "commit", commitTemplate, args, emptyResponseTemplate); err != nil {
		return nil, err
	}
	self.conn.setBusy(true)

	editor := &CommitEditor{
		session: self,
		ctx:     ctx,
	}
	copyUrl := func(path string) string {
		return self.paths.Url(self.paths.RepositoryPath(path))
	}
	editor.EditDriver = newEditDriver(self.conn, copyUrl, editor.closed, editor.aborted)
	return editor, nil
}

func (self *CommitEditor) clearBusy() {
	self.busyOnce.Do(func() {
		self.session.conn.setBusy(false)
	})
}

// after close-edit: the edit status, an auth request, then the new revision
func (self *CommitEditor) closed() error {
	defer self.clearBusy()
	conn := self.session.conn
	err := traced(fmt.Sprintf("[ra]commit close %s", conn.Id()), func() error {
		if err := self.session.read(emptyResponseTemplate); err != nil {
			return err
		}
		if err := conn.ReadAuthRequest(self.ctx); err != nil {
			return err
		}
		info := &CommitInfo{}
		if err := self.session.read(commitInfoTemplate, &info.Revision, &info.Date, &info.Author, &info.PostCommitError); err != nil {
			return err
		}
		self.info = info
		return nil
	})
	if err != nil {
		// the server may still expect the edit to be aborted, the next command reopens
		glog.Infof("[ra]commit failed on %s = %s\n", conn.Id(), err)
		conn.stream.Close()
		return err
	}
	if self.info.PostCommitError != "" {
		glog.Infof("[ra]%s post-commit error = %s\n", self.info.Revision, self.info.PostCommitError)
	}
	return nil
}

func (self *CommitEditor) aborted() error {
	defer self.clearBusy()
	if err := self.session.read(emptyResponseTemplate); err != nil {
		self.session.conn.stream.Close()
		return err
	}
	return nil
}

// CommitInfo is the committed revision, nil until the edit is closed.
func (self *CommitEditor) CommitInfo() *CommitInfo {
	return self.info
}
