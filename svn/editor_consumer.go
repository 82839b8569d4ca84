package svn

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/bringyour/rasvn/svn/delta"
)

var (
	editCommandTemplate = MustCompileTemplate("(wl)")
	editStepTemplate    = MustCompileTemplate("e")
	editSuccessTemplate = MustCompileTemplate("[()]")
)

// EditConsumer reads edit commands sent by a peer and calls a local editor for each.
//
// Tokens from the wire are checked against the open nodes, then mapped to the tokens
// the local editor returned. After the first error (a bad command, a local editor error,
// or cancellation) a failure is written to the peer, the local editor is aborted,
// and the remaining commands are read and dropped until the edit terminates.
type EditConsumer struct {
	ctx    context.Context
	writer *WireWriter
	editor Editor
	// finish-replay terminates the edit
	replay bool

	session  *editSession
	decoders map[string]*delta.Decoder
	failed   error
}

func NewEditConsumer(ctx context.Context, writer *WireWriter, editor Editor, replay bool) *EditConsumer {
	return &EditConsumer{
		ctx:      ctx,
		writer:   writer,
		editor:   editor,
		replay:   replay,
		session:  newEditSession(),
		decoders: map[string]*delta.Decoder{},
	}
}

// Run consumes commands with `read` until the edit terminates.
// The error is the first failure of the edit, or `ErrCancelled`.
func (self *EditConsumer) Run(read func(template *Template, dst ...any) error) error {
	step := &EditStep{
		Handler: self,
		More:    true,
	}
	for step.More {
		if err := read(editStepTemplate, step); err != nil {
			return err
		}
	}
	return self.failed
}

func (self *EditConsumer) terminal(command string) bool {
	switch command {
	case editCloseEdit, editAbortEdit:
		return true
	case editFinishReplay:
		return self.replay
	default:
		return false
	}
}

// HandleEditCommand reads and applies one command.
func (self *EditConsumer) HandleEditCommand(reader *WireReader) (bool, error) {
	var command string
	var args Value
	if err := reader.Read(editCommandTemplate, &command, &args); err != nil {
		return false, err
	}
	more := !self.terminal(command)

	if self.failed != nil {
		glog.V(2).Infof("[edit]drop %s\n", command)
		return more, nil
	}
	if self.ctx.Err() != nil {
		return more, self.fail(ErrCancelled)
	}
	if err := self.apply(command, args); err != nil {
		return more, self.fail(err)
	}
	return more, nil
}

// fail reports the error to the peer and aborts the local editor.
// Only a write error is returned, the edit error is returned from `Run`.
func (self *EditConsumer) fail(err error) error {
	glog.Infof("[edit]consumer failed in %v = %s\n", self.session.openPaths(), err)
	self.failed = err
	if self.session.abortEdit() {
		if abortErr := self.editor.AbortEdit(); abortErr != nil {
			glog.V(1).Infof("[edit]local abort = %s\n", abortErr)
		}
	}
	if writeErr := self.writer.WriteFailure(err); writeErr != nil {
		return writeErr
	}
	return self.writer.Flush()
}

func (self *EditConsumer) respond() error {
	if err := self.writer.Write(editSuccessTemplate); err != nil {
		return err
	}
	return self.writer.Flush()
}

func (self *EditConsumer) localToken(token string) string {
	if node, ok := self.session.nodes[token]; ok {
		return node.localToken
	}
	return ""
}

func (self *EditConsumer) apply(command string, args Value) error {
	switch command {
	case "target-rev":
		var revision Revision
		if err := args.Unpack(editTargetRevTemplate, &revision); err != nil {
			return err
		}
		if err := self.session.targetRevision(); err != nil {
			return err
		}
		return self.editor.TargetRevision(revision)

	case "open-root":
		var revision Revision
		var token string
		if err := args.Unpack(editOpenRootTemplate, &revision, &token); err != nil {
			return err
		}
		if err := self.session.openRoot(token); err != nil {
			return err
		}
		local, err := self.editor.OpenRoot(revision)
		if err != nil {
			return err
		}
		self.session.nodes[token].localToken = local
		return nil

	case "delete-entry":
		var path string
		var revision Revision
		var token string
		if err := args.Unpack(editDeleteEntryTemplate, &path, &revision, &token); err != nil {
			return err
		}
		dir, err := self.session.currentDir(command, token)
		if err != nil {
			return err
		}
		return self.editor.DeleteEntry(path, revision, dir.localToken)

	case "add-dir", "add-file":
		var path string
		var parentToken string
		var token string
		var copyFromPath string
		var copyFromRevision Revision
		if err := args.Unpack(editAddTemplate, &path, &parentToken, &token, &copyFromPath, &copyFromRevision); err != nil {
			return err
		}
		var local string
		var err error
		if command == "add-dir" {
			if err := self.session.pushDir(command, parentToken, token, path); err != nil {
				return err
			}
			local, err = self.editor.AddDir(path, self.localToken(parentToken), copyFromPath, copyFromRevision)
		} else {
			if err := self.session.openFile(command, parentToken, token, path); err != nil {
				return err
			}
			local, err = self.editor.AddFile(path, self.localToken(parentToken), copyFromPath, copyFromRevision)
		}
		if err != nil {
			return err
		}
		self.session.nodes[token].localToken = local
		return nil

	case "open-dir", "open-file":
		var path string
		var parentToken string
		var token string
		var revision Revision
		if err := args.Unpack(editOpenTemplate, &path, &parentToken, &token, &revision); err != nil {
			return err
		}
		var local string
		var err error
		if command == "open-dir" {
			if err := self.session.pushDir(command, parentToken, token, path); err != nil {
				return err
			}
			local, err = self.editor.OpenDir(path, self.localToken(parentToken), revision)
		} else {
			if err := self.session.openFile(command, parentToken, token, path); err != nil {
				return err
			}
			local, err = self.editor.OpenFile(path, self.localToken(parentToken), revision)
		}
		if err != nil {
			return err
		}
		self.session.nodes[token].localToken = local
		return nil

	case "change-dir-prop", "change-file-prop":
		var token string
		var name string
		var value []byte
		if err := args.Unpack(editChangePropTemplate, &token, &name, &value); err != nil {
			return err
		}
		if command == "change-dir-prop" {
			dir, err := self.session.openDir(command, token)
			if err != nil {
				return err
			}
			return self.editor.ChangeDirProp(dir.localToken, name, value)
		}
		file, err := self.session.file(command, token)
		if err != nil {
			return err
		}
		return self.editor.ChangeFileProp(file.localToken, name, value)

	case "close-dir":
		var token string
		if err := args.Unpack(editTokenTemplate, &token); err != nil {
			return err
		}
		dir, err := self.session.closeDir(token)
		if err != nil {
			return err
		}
		return self.editor.CloseDir(dir.localToken)

	case "absent-dir", "absent-file":
		var path string
		var parentToken string
		if err := args.Unpack(editAbsentTemplate, &path, &parentToken); err != nil {
			return err
		}
		dir, err := self.session.currentDir(command, parentToken)
		if err != nil {
			return err
		}
		if command == "absent-dir" {
			return self.editor.AbsentDir(path, dir.localToken)
		}
		return self.editor.AbsentFile(path, dir.localToken)

	case "apply-textdelta":
		var token string
		var baseChecksum string
		if err := args.Unpack(editApplyTextDeltaTemplate, &token, &baseChecksum); err != nil {
			return err
		}
		file, err := self.session.applyTextDelta(token)
		if err != nil {
			return err
		}
		if err := self.editor.ApplyTextDelta(file.localToken, baseChecksum); err != nil {
			return err
		}
		local := file.localToken
		self.decoders[token] = delta.NewDecoder(func(window *delta.Window) error {
			return self.editor.TextDeltaChunk(local, window)
		})
		return nil

	case "textdelta-chunk":
		var token string
		var chunk []byte
		if err := args.Unpack(editTextDeltaChunkTemplate, &token, &chunk); err != nil {
			return err
		}
		if _, err := self.session.textDelta(command, token); err != nil {
			return err
		}
		if _, err := self.decoders[token].Write(chunk); err != nil {
			return err
		}
		return nil

	case "textdelta-end":
		var token string
		if err := args.Unpack(editTokenTemplate, &token); err != nil {
			return err
		}
		file, err := self.session.textDeltaEnd(token)
		if err != nil {
			return err
		}
		decoder := self.decoders[token]
		delete(self.decoders, token)
		if err := decoder.Close(); err != nil {
			return err
		}
		return self.editor.TextDeltaEnd(file.localToken)

	case "close-file":
		var token string
		var textChecksum string
		if err := args.Unpack(editCloseFileTemplate, &token, &textChecksum); err != nil {
			return err
		}
		file, err := self.session.closeFile(token)
		if err != nil {
			return err
		}
		return self.editor.CloseFile(file.localToken, textChecksum)

	case editCloseEdit:
		closed, err := self.session.closeEdit()
		if err != nil {
			return err
		}
		if closed {
			if err := self.editor.CloseEdit(); err != nil {
				return err
			}
		}
		return self.respond()

	case editAbortEdit:
		if self.session.abortEdit() {
			if err := self.editor.AbortEdit(); err != nil {
				return err
			}
		}
		return self.respond()

	case editFinishReplay:
		if !self.replay {
			return editSequencef("finish-replay outside a replay")
		}
		if self.session.state == editNone {
			// nothing was sent for the revision
			return nil
		}
		closed, err := self.session.closeEdit()
		if err != nil {
			return err
		}
		if closed {
			return self.editor.CloseEdit()
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown edit command '%s'", ErrMalformedEditSequence, command)
	}
}
