package svn

import (
	"fmt"
)

// editSession is the depth-first state of one edit:
// the stack of open directories, root first, and at most one open file.
//
// states:
//   editNone: only target-rev and open-root are legal
//   editOpen: the root was opened
//   editClosed, editAborted: terminal, a second close or abort is a no-op

type editState int

const (
	editNone editState = iota
	editOpen
	editClosed
	editAborted
)

type editNodeKind int

const (
	editDir editNodeKind = iota
	editFile
)

func (self editNodeKind) String() string {
	if self == editDir {
		return "directory"
	}
	return "file"
}

type editNode struct {
	kind editNodeKind
	path string
	// the token the local editor returned for this node, when consuming
	localToken string
	// a text delta is open
	deltaOpen bool
}

type editSession struct {
	state editState

	// wire tokens
	dirStack  []string
	fileToken string
	nodes     map[string]*editNode

	dirCount  int
	fileCount int
}

func newEditSession() *editSession {
	return &editSession{
		state: editNone,
		nodes: map[string]*editNode{},
	}
}

func (self *editSession) nextDirToken() string {
	token := fmt.Sprintf("d%d", self.dirCount)
	self.dirCount += 1
	return token
}

func (self *editSession) nextFileToken() string {
	token := fmt.Sprintf("c%d", self.fileCount)
	self.fileCount += 1
	return token
}

func (self *editSession) terminated() bool {
	return self.state == editClosed || self.state == editAborted
}

func (self *editSession) requireOpen(command string) error {
	switch self.state {
	case editOpen:
		return nil
	case editNone:
		return editSequencef("%s before open-root", command)
	default:
		return fmt.Errorf("%w: %s", ErrEditTerminated, command)
	}
}

func (self *editSession) node(token string, kind editNodeKind) (*editNode, error) {
	node, ok := self.nodes[token]
	if !ok {
		return nil, invalidTokenf("unknown %s token '%s'", kind, token)
	}
	if node.kind != kind {
		return nil, invalidTokenf("token '%s' is a %s, expected a %s", token, node.kind, kind)
	}
	return node, nil
}

// the directory a structural command runs in must be the innermost open one, with no file open
func (self *editSession) currentDir(command string, token string) (*editNode, error) {
	if err := self.requireOpen(command); err != nil {
		return nil, err
	}
	node, err := self.node(token, editDir)
	if err != nil {
		return nil, err
	}
	if self.fileToken != "" {
		return nil, editSequencef("%s while file '%s' is open", command, self.nodes[self.fileToken].path)
	}
	if top := self.dirStack[len(self.dirStack)-1]; top != token {
		return nil, editSequencef("%s in '%s' while '%s' is open below it", command, node.path, self.nodes[top].path)
	}
	return node, nil
}

func (self *editSession) targetRevision() error {
	switch self.state {
	case editNone:
		return nil
	case editOpen:
		return editSequencef("target-rev after open-root")
	default:
		return fmt.Errorf("%w: target-rev", ErrEditTerminated)
	}
}

func (self *editSession) openRoot(token string) error {
	switch self.state {
	case editNone:
	case editOpen:
		return editSequencef("second open-root")
	default:
		return fmt.Errorf("%w: open-root", ErrEditTerminated)
	}
	self.state = editOpen
	self.nodes[token] = &editNode{
		kind: editDir,
		path: "",
	}
	self.dirStack = append(self.dirStack, token)
	return nil
}

func (self *editSession) checkNewToken(token string) error {
	if _, ok := self.nodes[token]; ok {
		return invalidTokenf("token '%s' is already open", token)
	}
	return nil
}

// add-dir and open-dir
func (self *editSession) pushDir(command string, parentToken string, token string, path string) error {
	if _, err := self.currentDir(command, parentToken); err != nil {
		return err
	}
	if err := self.checkNewToken(token); err != nil {
		return err
	}
	self.nodes[token] = &editNode{
		kind: editDir,
		path: path,
	}
	self.dirStack = append(self.dirStack, token)
	return nil
}

func (self *editSession) closeDir(token string) (*editNode, error) {
	node, err := self.currentDir("close-dir", token)
	if err != nil {
		return nil, err
	}
	self.dirStack = self.dirStack[:len(self.dirStack)-1]
	delete(self.nodes, token)
	return node, nil
}

// change-dir-prop is legal on any open directory
func (self *editSession) openDir(command string, token string) (*editNode, error) {
	if err := self.requireOpen(command); err != nil {
		return nil, err
	}
	return self.node(token, editDir)
}

// add-file and open-file
func (self *editSession) openFile(command string, parentToken string, token string, path string) error {
	if _, err := self.currentDir(command, parentToken); err != nil {
		return err
	}
	if err := self.checkNewToken(token); err != nil {
		return err
	}
	self.nodes[token] = &editNode{
		kind: editFile,
		path: path,
	}
	self.fileToken = token
	return nil
}

func (self *editSession) file(command string, token string) (*editNode, error) {
	if err := self.requireOpen(command); err != nil {
		return nil, err
	}
	node, err := self.node(token, editFile)
	if err != nil {
		return nil, err
	}
	if token != self.fileToken {
		return nil, invalidTokenf("%s for file token '%s' that is not the open file", command, token)
	}
	return node, nil
}

func (self *editSession) applyTextDelta(token string) (*editNode, error) {
	node, err := self.file("apply-textdelta", token)
	if err != nil {
		return nil, err
	}
	if node.deltaOpen {
		return nil, editSequencef("second apply-textdelta for '%s'", node.path)
	}
	node.deltaOpen = true
	return node, nil
}

func (self *editSession) textDelta(command string, token string) (*editNode, error) {
	node, err := self.file(command, token)
	if err != nil {
		return nil, err
	}
	if !node.deltaOpen {
		return nil, editSequencef("%s without apply-textdelta for '%s'", command, node.path)
	}
	return node, nil
}

func (self *editSession) textDeltaEnd(token string) (*editNode, error) {
	node, err := self.textDelta("textdelta-end", token)
	if err != nil {
		return nil, err
	}
	node.deltaOpen = false
	return node, nil
}

func (self *editSession) closeFile(token string) (*editNode, error) {
	node, err := self.file("close-file", token)
	if err != nil {
		return nil, err
	}
	if node.deltaOpen {
		return nil, editSequencef("close-file for '%s' before textdelta-end", node.path)
	}
	self.fileToken = ""
	delete(self.nodes, token)
	return node, nil
}

// closeEdit returns false when the edit already terminated
func (self *editSession) closeEdit() (bool, error) {
	switch self.state {
	case editClosed, editAborted:
		return false, nil
	case editNone:
		return false, editSequencef("close-edit before open-root")
	}
	if 0 < len(self.dirStack) || self.fileToken != "" {
		return false, editSequencef("close-edit with %d directories open", len(self.dirStack))
	}
	self.state = editClosed
	return true, nil
}

// abortEdit returns false when the edit already terminated
func (self *editSession) abortEdit() bool {
	if self.terminated() {
		return false
	}
	self.state = editAborted
	return true
}

// paths of the open nodes, outermost first
func (self *editSession) openPaths() []string {
	paths := []string{}
	for _, token := range self.dirStack {
		paths = append(paths, self.nodes[token].path)
	}
	if self.fileToken != "" {
		paths = append(paths, self.nodes[self.fileToken].path)
	}
	return paths
}
