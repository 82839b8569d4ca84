package svn

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/bringyour/rasvn/svn/delta"
)

// update, switch, status and diff describe the caller's working state with a report,
// then the server drives an edit to bring it to the target.
// replay and replay-range drive the edit of committed revisions.

var (
	updateTemplate = MustCompileTemplate("(?n)sf?wf?f")
	switchTemplate = MustCompileTemplate("(?n)sfs?w?f?f")
	statusTemplate = MustCompileTemplate("sf(?n)?w")
	diffTemplate   = MustCompileTemplate("(?n)sffs?f?w")

	setPathTemplate    = MustCompileTemplate("(snf(?s)?w)")
	deletePathTemplate = MustCompileTemplate("(s)")
	linkPathTemplate   = MustCompileTemplate("(ssnf(?s)?w)")

	replayTemplate      = MustCompileTemplate("nnf")
	replayRangeTemplate = MustCompileTemplate("nnnf")
	revPropsTemplate    = MustCompileTemplate("(w(*p))")
)

type UpdateRequest struct {
	// the target revision, `InvalidRevision` for head
	Revision Revision
	// the entry under the session location that is updated, empty for the location itself
	Target string
	Depth  Depth
	// send copy sources for added nodes
	SendCopyFrom   bool
	IgnoreAncestry bool
}

type SwitchRequest struct {
	Revision Revision
	Target   string
	// the url the target is switched to
	SwitchUrl      string
	Depth          Depth
	SendCopyFrom   bool
	IgnoreAncestry bool
}

type StatusRequest struct {
	Revision Revision
	Target   string
	Depth    Depth
}

type DiffRequest struct {
	Revision Revision
	Target   string
	// the url compared against
	VersusUrl      string
	Depth          Depth
	IgnoreAncestry bool
	TextDeltas     bool
}

// Reporter describes the caller's state to the server. The connection is busy until
// `Finish` or `Abort`.
type Reporter struct {
	session *Session
	ctx     context.Context
	command string
	done    bool
}

func (self *Session) beginReport(ctx context.Context, command string, template *Template, args []any) (*Reporter, error) {
	if err := self.command(ctx, command, template, args, nil); err != nil {
		return nil, err
	}
	self.conn.setBusy(true)
	return &Reporter{
		session: self,
		ctx:     ctx,
		command: command,
	}, nil
}

func (self *Session) Update(ctx context.Context, request *UpdateRequest) (*Reporter, error) {
	args := []any{
		request.Revision,
		request.Target,
		request.Depth.recurse(),
		request.Depth.wire(),
		request.SendCopyFrom,
		request.IgnoreAncestry,
	}
	return self.beginReport(ctx, "update", updateTemplate, args)
}

func (self *Session) Switch(ctx context.Context, request *SwitchRequest) (*Reporter, error) {
	// the switch url is checked locally, the server reports a foreign url less clearly
	if _, err := self.paths.RepositoryPathFromUrl(request.SwitchUrl); err != nil {
		return nil, err
	}
	args := []any{
		request.Revision,
		request.Target,
		request.Depth.recurse(),
		request.SwitchUrl,
		request.Depth.wire(),
		request.SendCopyFrom,
		request.IgnoreAncestry,
	}
	return self.beginReport(ctx, "switch", switchTemplate, args)
}

func (self *Session) Status(ctx context.Context, request *StatusRequest) (*Reporter, error) {
	args := []any{
		request.Target,
		request.Depth.recurse(),
		request.Revision,
		request.Depth.wire(),
	}
	return self.beginReport(ctx, "status", statusTemplate, args)
}

func (self *Session) Diff(ctx context.Context, request *DiffRequest) (*Reporter, error) {
	args := []any{
		request.Revision,
		request.Target,
		request.Depth.recurse(),
		request.IgnoreAncestry,
		request.VersusUrl,
		request.TextDeltas,
		request.Depth.wire(),
	}
	return self.beginReport(ctx, "diff", diffTemplate, args)
}

func (self *Reporter) write(command string, template *Template, values ...any) error {
	if self.done {
		return fmt.Errorf("%w: report already finished", ErrMalformedEditSequence)
	}
	if err := self.ctx.Err(); err != nil {
		return ErrCancelled
	}
	return self.session.conn.writeEditCommand(command, template, false, values...)
}

// SetPath reports that `path` is at `revision`. `startEmpty` reports a directory with no entries.
func (self *Reporter) SetPath(path string, revision Revision, startEmpty bool, lockToken string, depth Depth) error {
	return self.write("set-path", setPathTemplate, path, revision, startEmpty, optionalText(lockToken), depth.wire())
}

// DeletePath reports that `path` is missing.
func (self *Reporter) DeletePath(path string) error {
	return self.write("delete-path", deletePathTemplate, path)
}

// LinkPath reports that `path` is at `url@revision`, as after a switch.
func (self *Reporter) LinkPath(path string, url string, revision Revision, startEmpty bool, lockToken string, depth Depth) error {
	if _, err := self.session.paths.RepositoryPathFromUrl(url); err != nil {
		return err
	}
	return self.write("link-path", linkPathTemplate, path, url, revision, startEmpty, optionalText(lockToken), depth.wire())
}

// Finish ends the report and applies the edit the server drives to `editor`.
func (self *Reporter) Finish(editor Editor) error {
	if self.done {
		return fmt.Errorf("%w: report already finished", ErrMalformedEditSequence)
	}
	self.done = true
	conn := self.session.conn
	aligned := false
	err := traced(fmt.Sprintf("[ra]%s finish %s", self.command, conn.Id()), func() error {
		return conn.interruptible(self.ctx, func() error {
			if err := conn.writeEditCommand("finish-report", editEmptyTemplate, true); err != nil {
				return err
			}
			// a failed auth request leaves the server mid report
			if err := conn.ReadAuthRequest(self.ctx); err != nil {
				return err
			}
			var err error
			aligned, err = self.session.consumeEdit(self.ctx, editor, false)
			return err
		})
	})
	conn.endEdit(aligned)
	if err != nil {
		return conn.cancelledErr(self.ctx, err)
	}
	return nil
}

// Abort abandons the report. The server sends no edit.
func (self *Reporter) Abort() error {
	if self.done {
		return nil
	}
	self.done = true
	conn := self.session.conn
	err := conn.writeEditCommand("abort-report", editEmptyTemplate, true)
	conn.endEdit(err == nil)
	return err
}

// editFailure is an edit that was read to its end, but failed locally or on the server
type editFailure struct {
	err error
}

func (self *editFailure) Error() string {
	return self.err.Error()
}

func (self *editFailure) Unwrap() error {
	return self.err
}

// consumeEdit applies a server driven edit to `editor` and reads the closing status.
// `aligned` is false when the stream stopped inside the edit or its status.
func (self *Session) consumeEdit(ctx context.Context, editor Editor, replay bool) (aligned bool, returnErr error) {
	consumer := NewEditConsumer(ctx, self.conn.writer, editor, replay)
	editErr := consumer.Run(self.conn.Read)
	if editErr != nil && consumer.failed == nil {
		// the stream failed, not the edit
		self.conn.checkAligned(editErr)
		return false, editErr
	}
	statusErr := self.read(emptyResponseTemplate)
	aligned = statusErr == nil || isServerFailure(statusErr)
	if editErr != nil {
		if statusErr != nil {
			glog.V(1).Infof("[ra]status after failed edit = %s\n", statusErr)
		}
		if errors.Is(editErr, ErrCancelled) {
			return aligned, ErrCancelled
		}
		return aligned, &editFailure{err: editErr}
	}
	if statusErr != nil && aligned {
		return aligned, &editFailure{err: statusErr}
	}
	return aligned, statusErr
}

// Replay drives the changes of `revision` into `editor`.
// Changes below `lowWaterMark` are sent as adds of the full tree.
func (self *Session) Replay(ctx context.Context, revision Revision, lowWaterMark Revision, sendDeltas bool, editor Editor) error {
	args := []any{revision, lowWaterMark, sendDeltas}
	if err := self.command(ctx, "replay", replayTemplate, args, nil); err != nil {
		return notImplemented("replay", err)
	}
	self.conn.setBusy(true)
	aligned := false
	err := self.conn.interruptible(ctx, func() error {
		var err error
		aligned, err = self.consumeEdit(ctx, editor, true)
		return err
	})
	self.conn.endEdit(aligned)
	if err != nil {
		return self.conn.cancelledErr(ctx, err)
	}
	return nil
}

// ReplayHandler supplies an editor per revision of a replay range.
type ReplayHandler interface {
	StartRevision(revision Revision, revisionProps Properties) (Editor, error)
	FinishRevision(revision Revision, revisionProps Properties, editor Editor) error
}

// ReplayRange replays each revision from `startRevision` to `endRevision`.
// After a handler error the remaining revisions are read into a discarding editor.
func (self *Session) ReplayRange(
	ctx context.Context,
	startRevision Revision,
	endRevision Revision,
	lowWaterMark Revision,
	sendDeltas bool,
	handler ReplayHandler,
) error {
	args := []any{startRevision, endRevision, lowWaterMark, sendDeltas}
	if err := self.command(ctx, "replay-range", replayRangeTemplate, args, nil); err != nil {
		return notImplemented("replay-range", err)
	}
	self.conn.setBusy(true)

	var handlerErr error
	aligned := false
	err := self.conn.interruptible(ctx, func() error {
		for revision := startRevision; revision <= endRevision; revision += 1 {
			var word string
			revisionProps := Properties{}
			if err := self.read(revPropsTemplate, &word, &revisionProps); err != nil {
				return err
			}
			if word != "revprops" {
				err := malformedf("expected revprops, found '%s'", word)
				self.conn.checkAligned(err)
				return err
			}

			var editor Editor = &discardEditor{}
			if handlerErr == nil {
				if ctx.Err() != nil {
					handlerErr = ErrCancelled
				} else if e, err := handler.StartRevision(revision, revisionProps); err != nil {
					handlerErr = err
				} else {
					editor = e
				}
			}
			// a local edit failure is reported to the server, which ends the range
			consumer := NewEditConsumer(ctx, self.conn.writer, editor, true)
			editErr := consumer.Run(self.conn.Read)
			if editErr != nil {
				if consumer.failed == nil {
					self.conn.checkAligned(editErr)
					return editErr
				}
				if handlerErr == nil {
					handlerErr = editErr
				}
				break
			}
			if handlerErr == nil {
				handlerErr = handler.FinishRevision(revision, revisionProps, editor)
			}
		}
		statusErr := self.read(emptyResponseTemplate)
		aligned = statusErr == nil || isServerFailure(statusErr)
		return statusErr
	})
	self.conn.endEdit(aligned)
	if !aligned {
		return self.conn.cancelledErr(ctx, err)
	}
	if handlerErr != nil {
		return handlerErr
	}
	return err
}

func isServerFailure(err error) bool {
	_, ok := asServerError(err)
	return ok
}

// discardEditor accepts any edit and keeps nothing
type discardEditor struct{}

func (self *discardEditor) TargetRevision(revision Revision) error {
	return nil
}

func (self *discardEditor) OpenRoot(baseRevision Revision) (string, error) {
	return "", nil
}

func (self *discardEditor) DeleteEntry(path string, revision Revision, dirToken string) error {
	return nil
}

func (self *discardEditor) AddDir(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error) {
	return "", nil
}

func (self *discardEditor) OpenDir(path string, parentToken string, baseRevision Revision) (string, error) {
	return "", nil
}

func (self *discardEditor) ChangeDirProp(dirToken string, name string, value []byte) error {
	return nil
}

func (self *discardEditor) CloseDir(dirToken string) error {
	return nil
}

func (self *discardEditor) AbsentDir(path string, parentToken string) error {
	return nil
}

func (self *discardEditor) AddFile(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error) {
	return "", nil
}

func (self *discardEditor) OpenFile(path string, parentToken string, baseRevision Revision) (string, error) {
	return "", nil
}

func (self *discardEditor) ApplyTextDelta(fileToken string, baseChecksum string) error {
	return nil
}

func (self *discardEditor) TextDeltaChunk(fileToken string, window *delta.Window) error {
	return nil
}

func (self *discardEditor) TextDeltaEnd(fileToken string) error {
	return nil
}

func (self *discardEditor) ChangeFileProp(fileToken string, name string, value []byte) error {
	return nil
}

func (self *discardEditor) CloseFile(fileToken string, textChecksum string) error {
	return nil
}

func (self *discardEditor) AbsentFile(path string, parentToken string) error {
	return nil
}

func (self *discardEditor) CloseEdit() error {
	return nil
}

func (self *discardEditor) AbortEdit() error {
	return nil
}
