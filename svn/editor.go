package svn

import (
	"github.com/bringyour/rasvn/svn/delta"
)

// Editor receives one depth-first tree edit.
//
// Open and add calls return the token that later calls use for the directory or file.
// Paths are relative to the edit root. A copy source is a repository path or a url,
// with `InvalidRevision` when there is none.
// A nil property value deletes the property.
//
// The wire driver writes each call to a connection (see `Session.Commit`),
// and the wire consumer calls a caller's editor for each command a peer sends.
type Editor interface {
	TargetRevision(revision Revision) error
	OpenRoot(baseRevision Revision) (string, error)
	DeleteEntry(path string, revision Revision, dirToken string) error
	AddDir(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error)
	OpenDir(path string, parentToken string, baseRevision Revision) (string, error)
	ChangeDirProp(dirToken string, name string, value []byte) error
	CloseDir(dirToken string) error
	AbsentDir(path string, parentToken string) error
	AddFile(path string, parentToken string, copyFromPath string, copyFromRevision Revision) (string, error)
	OpenFile(path string, parentToken string, baseRevision Revision) (string, error)
	// begins the text delta of a file, `baseChecksum` may be empty
	ApplyTextDelta(fileToken string, baseChecksum string) error
	// one decoded window of the text delta
	TextDeltaChunk(fileToken string, window *delta.Window) error
	TextDeltaEnd(fileToken string) error
	ChangeFileProp(fileToken string, name string, value []byte) error
	CloseFile(fileToken string, textChecksum string) error
	AbsentFile(path string, parentToken string) error
	CloseEdit() error
	AbortEdit() error
}

// SendText sends `content` as the full text of an open file, split into windows.
func SendText(editor Editor, fileToken string, baseChecksum string, content []byte) error {
	if err := editor.ApplyTextDelta(fileToken, baseChecksum); err != nil {
		return err
	}
	for _, window := range delta.NewDataWindows(content, delta.DefaultWindowSize) {
		if err := editor.TextDeltaChunk(fileToken, window); err != nil {
			return err
		}
	}
	return editor.TextDeltaEnd(fileToken)
}

// editor commands that end an edit
const (
	editCloseEdit    = "close-edit"
	editAbortEdit    = "abort-edit"
	editFinishReplay = "finish-replay"
)

// editor command argument templates, shared by the driver and the consumer
var (
	editTargetRevTemplate      = MustCompileTemplate("(n)")
	editOpenRootTemplate       = MustCompileTemplate("((?n)s)")
	editDeleteEntryTemplate    = MustCompileTemplate("(s(?n)s)")
	editAddTemplate            = MustCompileTemplate("(sss(?s?n))")
	editOpenTemplate           = MustCompileTemplate("(sss(?n))")
	editChangePropTemplate     = MustCompileTemplate("(ss(?b))")
	editTokenTemplate          = MustCompileTemplate("(s)")
	editAbsentTemplate         = MustCompileTemplate("(ss)")
	editApplyTextDeltaTemplate = MustCompileTemplate("(s(?s))")
	editTextDeltaChunkTemplate = MustCompileTemplate("(sb)")
	editCloseFileTemplate      = MustCompileTemplate("(s(?s))")
	editEmptyTemplate          = MustCompileTemplate("()")
)

// the absent form of an optional text argument
func optionalText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
