package svn

import (
	"errors"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/rasvn/svn/delta"
)

// editWire is where a driven edit is written
type editWire interface {
	writeEditCommand(command string, template *Template, flush bool, values ...any) error
	deltaVersion() byte
}

// EditDriver is an `Editor` that writes each call as an edit command.
// Tokens are minted here, `d<n>` for directories and `c<n>` for files.
type EditDriver struct {
	wire editWire
	// rewrites a copy source path to a url, nil to send paths as given
	copyUrl func(path string) string

	session  *editSession
	encoders map[string]*delta.Encoder

	// exactly one of these runs, when the edit terminates
	onClose func() error
	onAbort func() error

	finishOnce sync.Once
	finishErr  error
}

func newEditDriver(wire editWire, copyUrl func(string) string, onClose func() error, onAbort func() error) *EditDriver {
	return &EditDriver{
		wire:     wire,
		copyUrl:  copyUrl,
		session:  newEditSession(),
		encoders: map[string]*delta.Encoder{},
		onClose:  onClose,
		onAbort:  onAbort,
	}
}

func (self *EditDriver) finish(closed bool) error {
	self.finishOnce.Do(func() {
		if closed && self.onClose != nil {
			self.finishErr = self.onClose()
		} else if !closed && self.onAbort != nil {
			self.finishErr = self.onAbort()
		}
	})
	return self.finishErr
}

func (self *EditDriver) write(command string, template *Template, flush bool, values ...any) error {
	if err := self.wire.writeEditCommand(command, template, flush, values...); err != nil {
		self.abortAfter(err)
		return err
	}
	return nil
}

// abortAfter sends a best effort abort-edit after a failed write. Errors from the abort are dropped.
func (self *EditDriver) abortAfter(err error) {
	if !self.session.abortEdit() {
		return
	}
	glog.Infof("[edit]abort after error = %s\n", err)
	if abortErr := self.wire.writeEditCommand(editAbortEdit, editEmptyTemplate, true); abortErr != nil {
		glog.V(1).Infof("[edit]abort-edit = %s\n", abortErr)
	}
	if finishErr := self.finish(false); finishErr != nil {
		glog.V(1).Infof("[edit]abort = %s\n", finishErr)
	}
}

func (self *EditDriver) copySource(path string) any {
	switch {
	case path == "":
		return nil
	case strings.Contains(path, "://") || self.copyUrl == nil:
		return path
	default:
		return self.copyUrl(path)
	}
}

func (self *EditDriver) TargetRevision(revision Revision) error {
	if err := self.session.targetRevision(); err != nil {
		return err
	}
	return self.write("target-rev", editTargetRevTemplate, false, revision)
}

func (self *EditDriver) OpenRoot(baseRevision Revision) (string, error) {
	token := self.session.nextDirToken()
	if err := self.session.openRoot(token); err != nil {
		return "", err
	}
	if err := self.write("open-root", editOpenRootTemplate, false, baseRevision, token); err != nil {
		return "", err
	}
	return token, nil
}

func (self *EditDriver) DeleteEntry(path string, revision Revision, dirToken string) error {
	if _, err := self.session.currentDir("delete-entry", dirToken); err != nil {
		return err
	}
	return self.write("delete-entry", editDeleteEntryTemplate, false, path, revision, dirToken)
}

func (self *EditDriver) AddDir(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error) {
	token := self.session.nextDirToken()
	if err := self.session.pushDir("add-dir", parentToken, token, path); err != nil {
		return "", err
	}
	if err := self.write("add-dir", editAddTemplate, false, path, parentToken, token, self.copySource(copyFromPath), copyFromRevision); err != nil {
		return "", err
	}
	return token, nil
}

func (self *EditDriver) OpenDir(path string, parentToken string, baseRevision Revision) (string, error) {
	token := self.session.nextDirToken()
	if err := self.session.pushDir("open-dir", parentToken, token, path); err != nil {
		return "", err
	}
	if err := self.write("open-dir", editOpenTemplate, false, path, parentToken, token, baseRevision); err != nil {
		return "", err
	}
	return token, nil
}

func (self *EditDriver) ChangeDirProp(dirToken string, name string, value []byte) error {
	if _, err := self.session.openDir("change-dir-prop", dirToken); err != nil {
		return err
	}
	return self.write("change-dir-prop", editChangePropTemplate, false, dirToken, name, value)
}

func (self *EditDriver) CloseDir(dirToken string) error {
	if _, err := self.session.closeDir(dirToken); err != nil {
		return err
	}
	return self.write("close-dir", editTokenTemplate, false, dirToken)
}

func (self *EditDriver) AbsentDir(path string, parentToken string) error {
	if _, err := self.session.currentDir("absent-dir", parentToken); err != nil {
		return err
	}
	return self.write("absent-dir", editAbsentTemplate, false, path, parentToken)
}

func (self *EditDriver) AddFile(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error) {
	token := self.session.nextFileToken()
	if err := self.session.openFile("add-file", parentToken, token, path); err != nil {
		return "", err
	}
	if err := self.write("add-file", editAddTemplate, false, path, parentToken, token, self.copySource(copyFromPath), copyFromRevision); err != nil {
		return "", err
	}
	return token, nil
}

func (self *EditDriver) OpenFile(path string, parentToken string, baseRevision Revision) (string, error) {
	token := self.session.nextFileToken()
	if err := self.session.openFile("open-file", parentToken, token, path); err != nil {
		return "", err
	}
	if err := self.write("open-file", editOpenTemplate, false, path, parentToken, token, baseRevision); err != nil {
		return "", err
	}
	return token, nil
}

func (self *EditDriver) ApplyTextDelta(fileToken string, baseChecksum string) error {
	if _, err := self.session.applyTextDelta(fileToken); err != nil {
		return err
	}
	self.encoders[fileToken] = delta.NewEncoder(self.wire.deltaVersion())
	return self.write("apply-textdelta", editApplyTextDeltaTemplate, false, fileToken, optionalText(baseChecksum))
}

func (self *EditDriver) TextDeltaChunk(fileToken string, window *delta.Window) error {
	if _, err := self.session.textDelta("textdelta-chunk", fileToken); err != nil {
		return err
	}
	chunk, err := self.encoders[fileToken].Encode(window)
	if err != nil {
		return err
	}
	return self.write("textdelta-chunk", editTextDeltaChunkTemplate, false, fileToken, chunk)
}

func (self *EditDriver) TextDeltaEnd(fileToken string) error {
	if _, err := self.session.textDeltaEnd(fileToken); err != nil {
		return err
	}
	encoder := self.encoders[fileToken]
	delete(self.encoders, fileToken)
	if header := encoder.Finish(); header != nil {
		if err := self.write("textdelta-chunk", editTextDeltaChunkTemplate, false, fileToken, header); err != nil {
			return err
		}
	}
	return self.write("textdelta-end", editTokenTemplate, false, fileToken)
}

func (self *EditDriver) ChangeFileProp(fileToken string, name string, value []byte) error {
	if _, err := self.session.file("change-file-prop", fileToken); err != nil {
		return err
	}
	return self.write("change-file-prop", editChangePropTemplate, false, fileToken, name, value)
}

func (self *EditDriver) CloseFile(fileToken string, textChecksum string) error {
	if _, err := self.session.closeFile(fileToken); err != nil {
		return err
	}
	return self.write("close-file", editCloseFileTemplate, false, fileToken, optionalText(textChecksum))
}

func (self *EditDriver) AbsentFile(path string, parentToken string) error {
	if _, err := self.session.currentDir("absent-file", parentToken); err != nil {
		return err
	}
	return self.write("absent-file", editAbsentTemplate, false, path, parentToken)
}

// CloseEdit ends the edit. A second call, or a call after abort, does nothing.
func (self *EditDriver) CloseEdit() error {
	closed, err := self.session.closeEdit()
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	if err := self.wire.writeEditCommand(editCloseEdit, editEmptyTemplate, true); err != nil {
		// the connection is released without reading a response
		if finishErr := self.finish(false); finishErr != nil {
			glog.V(1).Infof("[edit]release after close-edit error = %s\n", finishErr)
		}
		return err
	}
	return self.finish(true)
}

// AbortEdit abandons the edit. A second call, or a call after close, does nothing.
func (self *EditDriver) AbortEdit() error {
	if !self.session.abortEdit() {
		return nil
	}
	writeErr := self.wire.writeEditCommand(editAbortEdit, editEmptyTemplate, true)
	finishErr := self.finish(false)
	return errors.Join(writeErr, finishErr)
}

// Terminated is true once the edit was closed or aborted.
func (self *EditDriver) Terminated() bool {
	return self.session.terminated()
}
