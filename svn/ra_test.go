package svn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/rasvn/svn/delta"
)

const testDate = "2024-01-02T03:04:05.000000Z"

// receiveUntil reads client items until a command named `command`
func (self *testServer) receiveUntil(command string) error {
	for {
		value, err := self.receive()
		if err != nil {
			return err
		}
		if value.IsList() && 0 < len(value.List) && value.List[0].Kind == WordValue && value.List[0].Word == command {
			return nil
		}
	}
}

// unknownCommand reads one command and rejects it in place of the auth request
func (self *testServer) unknownCommand(command string) error {
	if _, err := self.receive(); err != nil {
		return err
	}
	return self.send(testFailure(ErrCodeUnknownCommand, fmt.Sprintf("Unknown command '%s'", command)))
}

// nextCommands collects the command words the client sent, up to and including `last`
func (self *testConnector) nextCommands(last string) []string {
	commands := []string{}
	for {
		value := self.next()
		commands = append(commands, value.List[0].Word)
		if value.List[0].Word == last {
			return commands
		}
	}
}

func testLogEntry(revision int, author string, message string, changes string) string {
	return fmt.Sprintf(
		"( ( %s ) %d ( %s ) ( %s ) ( %s ) false false 0 ( ) ) ",
		changes,
		revision,
		wireString(author),
		wireString(testDate),
		wireString(message),
	)
}

func TestSessionLog(t *testing.T) {
	entries := strings.Join([]string{
		testLogEntry(5, "alice", "fix", "( 10:/trunk/a.c M ( ) ( file true false ) ) "),
		testLogEntry(4, "bob", "copy", "( 10:/trunk/dir A ( 6:/trunk 3 ) ( dir false false ) ) ( 6:/trunk M ( ) ) "),
		"( ( ) 3 ( ) ( ) ( ) ) ",
	}, "")
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(entries, "done ", testEmptySuccess); err != nil {
			return err
		}
		if err := server.command(entries, "done ", testEmptySuccess); err != nil {
			return err
		}
		return server.command("( success ( 5 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	request := &LogRequest{
		StartRevision: 5,
		EndRevision:   1,
		ChangedPaths:  true,
	}
	logEntries := []*LogEntry{}
	err := session.Log(ctx, request, func(entry *LogEntry) error {
		logEntries = append(logEntries, entry)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( log ( ( 0: ) ( 5 ) ( 1 ) true false 0 false all-revprops ( ) ) )")

	assert.Equal(t, len(logEntries), 3)
	assert.Equal(t, logEntries[0].Revision, Revision(5))
	assert.Equal(t, logEntries[0].Author, "alice")
	assert.Equal(t, logEntries[0].Date, testDate)
	assert.Equal(t, logEntries[0].Message, "fix")
	assert.Equal(t, len(logEntries[0].ChangedPaths), 1)
	assert.Equal(t, logEntries[0].ChangedPaths[0].Path, "/trunk/a.c")
	assert.Equal(t, logEntries[0].ChangedPaths[0].Action, "M")
	assert.Equal(t, logEntries[0].ChangedPaths[0].Kind, NodeFile)
	assert.Equal(t, logEntries[0].ChangedPaths[0].CopyFromRevision, InvalidRevision)

	copied := logEntries[1].ChangedPaths[0]
	assert.Equal(t, copied.CopyFromPath, "/trunk")
	assert.Equal(t, copied.CopyFromRevision, Revision(3))
	assert.Equal(t, copied.Kind, NodeDir)
	// an old server sends no node kind
	assert.Equal(t, logEntries[1].ChangedPaths[1].Kind, NodeUnknown)

	assert.Equal(t, logEntries[2].Revision, Revision(3))
	assert.Equal(t, logEntries[2].Author, "")

	// a handler error stops the handler, the rest of the response is still read
	stopErr := errors.New("stop")
	calls := 0
	err = session.Log(ctx, request, func(entry *LogEntry) error {
		calls += 1
		return stopErr
	})
	assert.Equal(t, err, stopErr)
	assert.Equal(t, calls, 1)
	connector.next()

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(5))
	assert.Equal(t, connector.connects(), 1)
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionGetFile(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(
			fmt.Sprintf("( success ( ( %s ) 4 ( ( 12:svn:keywords 2:Id ) ) ) ) ", wireString("fc3ff98e8c6a0d3087d515c0473f8677")),
			"6:hello  6:world! 0: ",
			testEmptySuccess,
		)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	contents := &bytes.Buffer{}
	info, err := session.GetFile(ctx, "a.txt", InvalidRevision, true, contents)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-file ( 5:a.txt ( ) true true ) )")
	assert.Equal(t, contents.String(), "hello world!")
	assert.Equal(t, info.Revision, Revision(4))
	assert.Equal(t, info.Checksum, "fc3ff98e8c6a0d3087d515c0473f8677")
	assert.Equal(t, string(info.Properties["svn:keywords"]), "Id")
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionStat(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(fmt.Sprintf(
			"( success ( ( ( file 12 true 3 ( %s ) ( 5:alice ) ) ) ) ) ",
			wireString(testDate),
		)); err != nil {
			return err
		}
		return server.command("( success ( ( ) ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	dirent, err := session.Stat(ctx, "/trunk/a.txt", 3)
	assert.Equal(t, err, nil)
	// repository paths are sent relative to the session location
	assert.Equal(t, connector.next().String(), "( stat ( 5:a.txt ( 3 ) ) )")
	assert.Equal(t, dirent.Kind, NodeFile)
	assert.Equal(t, dirent.Size, int64(12))
	assert.Equal(t, dirent.HasProps, true)
	assert.Equal(t, dirent.CreatedRevision, Revision(3))
	assert.Equal(t, dirent.CreatedDate, testDate)
	assert.Equal(t, dirent.LastAuthor, "alice")

	dirent, err = session.Stat(ctx, "missing", InvalidRevision)
	assert.Equal(t, err, nil)
	assert.Equal(t, dirent == nil, true)

	// outside the session location
	_, err = session.Stat(ctx, "/branches/a.txt", InvalidRevision)
	assert.Equal(t, errors.Is(err, ErrRepositoryMismatch), true)
}

func TestSessionGetDir(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(fmt.Sprintf(
			"( success ( 5 ( ( 10:svn:ignore 3:*.o ) ) ( ( 5:a.txt file 5 false 3 ( %s ) ( 5:alice ) ) ( 3:sub dir 0 false 4 ( ) ( ) ) ) ) ) ",
			wireString(testDate),
		))
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	dirents := []*Dirent{}
	info, err := session.GetDir(ctx, "", 5, true, []DirentField{DirentKind, DirentSize}, func(dirent *Dirent) error {
		dirents = append(dirents, dirent)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-dir ( 0: ( 5 ) true true ( kind size ) ) )")
	assert.Equal(t, info.Revision, Revision(5))
	assert.Equal(t, string(info.Properties["svn:ignore"]), "*.o")
	assert.Equal(t, len(dirents), 2)
	assert.Equal(t, dirents[0].Name, "a.txt")
	assert.Equal(t, dirents[0].Kind, NodeFile)
	assert.Equal(t, dirents[0].LastAuthor, "alice")
	assert.Equal(t, dirents[1].Name, "sub")
	assert.Equal(t, dirents[1].Kind, NodeDir)
	assert.Equal(t, dirents[1].CreatedDate, "")
}

func TestSessionGetDirWithoutEntries(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		// entries sent even though none were requested
		return server.command("( success ( 5 ( ) ( ( 5:a.txt file 5 false 3 ( ) ( ) ) ) ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	info, err := session.GetDir(ctx, "", 5, false, nil, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-dir ( 0: ( 5 ) false false ( ) ) )")
	assert.Equal(t, info.Revision, Revision(5))
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionDatedRevision(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command("( success ( 17 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	revision, err := session.DatedRevision(ctx, date)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(17))
	assert.Equal(t, connector.next().String(), fmt.Sprintf("( get-dated-rev ( %s ) )", wireString(testDate)))
}

func TestSessionReparent(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(testEmptySuccess)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	// the same location sends nothing
	assert.Equal(t, session.Reparent(ctx, testRootUrl+"/trunk"), nil)

	err := session.Reparent(ctx, "svn://other.example.com/repos/trunk")
	assert.Equal(t, errors.Is(err, ErrRepositoryMismatch), true)

	assert.Equal(t, session.Reparent(ctx, testRootUrl+"/branches/b"), nil)
	assert.Equal(t, connector.next().String(), fmt.Sprintf("( reparent ( %s ) )", wireString(testRootUrl+"/branches/b")))
	assert.Equal(t, session.Url(), testRootUrl+"/branches/b")
	assert.Equal(t, session.Conn().Url(), testRootUrl+"/branches/b")
	assert.Equal(t, session.Paths().Location(), "/branches/b")
}

func TestSessionLock(t *testing.T) {
	lock := fmt.Sprintf(
		"( 12:/trunk/a.txt 9:token-abc 5:alice ( 3:why ) %s ( ) )",
		wireString(testDate),
	)
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(
			fmt.Sprintf("( success %s ) ", lock),
			testFailure(160035, "already locked"),
			"done ",
			testEmptySuccess,
		)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	requests := []*LockRequest{
		{Path: "a.txt", Revision: 3},
		{Path: "b.txt", Revision: InvalidRevision},
	}
	locks := map[string]*Lock{}
	lockErrs := map[string]error{}
	err := session.Lock(ctx, requests, "why", false, func(path string, lock *Lock, err error) error {
		locks[path] = lock
		lockErrs[path] = err
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( lock-many ( ( 3:why ) false ( ( 5:a.txt ( 3 ) ) ( 5:b.txt ( ) ) ) ) )")

	assert.Equal(t, lockErrs["a.txt"], nil)
	assert.Equal(t, locks["a.txt"].Path, "/trunk/a.txt")
	assert.Equal(t, locks["a.txt"].Token, "token-abc")
	assert.Equal(t, locks["a.txt"].Owner, "alice")
	assert.Equal(t, locks["a.txt"].Comment, "why")
	assert.Equal(t, locks["a.txt"].Expires, "")

	assert.Equal(t, locks["b.txt"] == nil, true)
	var serverErr *ServerError
	assert.Equal(t, errors.As(lockErrs["b.txt"], &serverErr), true)
	assert.Equal(t, serverErr.Code, int64(160035))
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionLockFallback(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.unknownCommand("lock-many"); err != nil {
			return err
		}
		return server.command(fmt.Sprintf(
			"( success ( ( 12:/trunk/a.txt 9:token-abc 5:alice ( ) %s ( ) ) ) ) ",
			wireString(testDate),
		))
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	locks := []*Lock{}
	err := session.Lock(ctx, []*LockRequest{{Path: "a.txt", Revision: InvalidRevision}}, "", true, func(path string, lock *Lock, err error) error {
		assert.Equal(t, path, "a.txt")
		locks = append(locks, lock)
		return err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(locks), 1)
	assert.Equal(t, locks[0].Token, "token-abc")
	assert.Equal(t, connector.next().List[0].Word, "lock-many")
	assert.Equal(t, connector.next().String(), "( lock ( 5:a.txt ( ) true ( ) ) )")
}

func TestSessionUnlock(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(
			"( success ( 5:a.txt ) ) ",
			testFailure(160040, "no such lock"),
			"done ",
			testEmptySuccess,
		)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	requests := []*UnlockRequest{
		{Path: "a.txt", Token: "token-abc"},
		{Path: "b.txt"},
	}
	unlockErrs := map[string]error{}
	err := session.Unlock(ctx, requests, false, func(path string, lock *Lock, err error) error {
		unlockErrs[path] = err
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( unlock-many ( false ( ( 5:a.txt ( 9:token-abc ) ) ( 5:b.txt ( ) ) ) ) )")
	assert.Equal(t, unlockErrs["a.txt"], nil)
	assert.NotEqual(t, unlockErrs["b.txt"], nil)
}

func TestSessionCommit(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(testEmptySuccess); err != nil {
			return err
		}
		if err := server.receiveUntil(editCloseEdit); err != nil {
			return err
		}
		if err := server.send(
			testEmptySuccess,
			testNoAuth,
			fmt.Sprintf("( 8 ( %s ) ( 5:alice ) ) ", wireString(testDate)),
		); err != nil {
			return err
		}
		return server.command("( success ( 8 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	editor, err := session.Commit(ctx, &CommitRequest{
		Message: "add b",
		LockTokens: map[string]string{
			"a.txt": "token-abc",
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Conn().Busy(), true)
	assert.Equal(t, connector.next().String(), "( commit ( 5:add b ( ( 5:a.txt 9:token-abc ) ) false ( ) ) )")

	// no other command while the edit is open
	_, err = session.LatestRevision(ctx)
	assert.Equal(t, err, ErrConnectionBusy)

	root, err := editor.OpenRoot(InvalidRevision)
	assert.Equal(t, err, nil)
	file, err := editor.AddFile("b.txt", root, "", InvalidRevision)
	assert.Equal(t, err, nil)
	assert.Equal(t, SendText(editor, file, "", []byte("hello")), nil)
	assert.Equal(t, editor.CloseFile(file, ""), nil)
	assert.Equal(t, editor.CloseDir(root), nil)
	assert.Equal(t, editor.CommitInfo() == nil, true)
	assert.Equal(t, editor.CloseEdit(), nil)

	assert.Equal(t, connector.nextCommands(editCloseEdit), []string{
		"open-root",
		"add-file",
		"apply-textdelta",
		"textdelta-chunk",
		"textdelta-end",
		"close-file",
		"close-dir",
		"close-edit",
	})
	info := editor.CommitInfo()
	assert.Equal(t, info.Revision, Revision(8))
	assert.Equal(t, info.Author, "alice")
	assert.Equal(t, info.Date, testDate)
	assert.Equal(t, info.PostCommitError, "")
	assert.Equal(t, session.Conn().Busy(), false)

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(8))
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionCommitRevisionPropsCapability(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.send(testGreeting(2, 2, "edit-pipeline svndiff1")); err != nil {
			return err
		}
		if _, err := server.receive(); err != nil {
			return err
		}
		return server.send(testNoAuth, testReposInfo(testRootUrl))
	})
	session := openTestSession(t, connector)
	defer session.Close()

	_, err := session.Commit(context.Background(), &CommitRequest{
		Message: "m",
		RevisionProps: Properties{
			"custom": []byte("value"),
		},
	})
	assert.Equal(t, errors.Is(err, ErrMissingCapability), true)
	assert.Equal(t, session.Conn().Busy(), false)
}

func TestSessionUpdate(t *testing.T) {
	chunk, err := delta.NewEncoder(1).Encode(delta.NewDataWindow([]byte("hello")))
	assert.Equal(t, err, nil)
	drive := strings.Join([]string{
		"( target-rev ( 9 ) ) ",
		"( open-root ( ( 8 ) 2:d0 ) ) ",
		"( add-file ( 5:a.txt 2:d0 2:c0 ( ) ) ) ",
		"( apply-textdelta ( 2:c0 ( ) ) ) ",
		fmt.Sprintf("( textdelta-chunk ( 2:c0 %d:%s ) ) ", len(chunk), chunk),
		"( textdelta-end ( 2:c0 ) ) ",
		"( close-file ( 2:c0 ( ) ) ) ",
		"( close-dir ( 2:d0 ) ) ",
		"( close-edit ( ) ) ",
	}, "")

	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(); err != nil {
			return err
		}
		if err := server.receiveUntil("finish-report"); err != nil {
			return err
		}
		if err := server.send(testNoAuth, drive); err != nil {
			return err
		}
		// the close-edit response
		if _, err := server.receive(); err != nil {
			return err
		}
		if err := server.send(testEmptySuccess); err != nil {
			return err
		}
		return server.command("( success ( 9 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	reporter, err := session.Update(ctx, &UpdateRequest{
		Revision: 9,
		Depth:    DepthInfinity,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( update ( ( 9 ) 0: true infinity false false ) )")
	assert.Equal(t, session.Conn().Busy(), true)

	assert.Equal(t, reporter.SetPath("", 8, false, "", DepthInfinity), nil)
	assert.Equal(t, reporter.DeletePath("gone.txt"), nil)
	editor := newRecordingEditor()
	assert.Equal(t, reporter.Finish(editor), nil)

	assert.Equal(t, connector.next().String(), "( set-path ( 0: 8 false ( ) infinity ) )")
	assert.Equal(t, connector.next().String(), "( delete-path ( 8:gone.txt ) )")
	assert.Equal(t, connector.next().String(), "( finish-report ( ) )")
	assert.Equal(t, connector.next().String(), "( success ( ) )")

	assert.Equal(t, editor.texts["a.txt"].String(), "hello")
	assert.Equal(t, editor.closed, 1)
	assert.Equal(t, session.Conn().Busy(), false)
	// a finished report cannot be reused
	assert.Equal(t, errors.Is(reporter.SetPath("", 8, false, "", DepthInfinity), ErrMalformedEditSequence), true)

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(9))
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionSwitchForeignUrl(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		return server.handshake()
	})
	session := openTestSession(t, connector)
	defer session.Close()

	_, err := session.Switch(context.Background(), &SwitchRequest{
		Revision:  InvalidRevision,
		SwitchUrl: "svn://example.com/other/trunk",
		Depth:     DepthInfinity,
	})
	assert.Equal(t, errors.Is(err, ErrRepositoryMismatch), true)
	assert.Equal(t, session.Conn().Busy(), false)
}

func TestSessionPoolReuse(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(testEmptySuccess); err != nil {
			return err
		}
		return server.command("( success ( 3 ) ) ")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewSessionPoolWithDefaults(ctx, connector)
	defer pool.Shutdown()

	session, err := pool.Open(ctx, testRootUrl+"/trunk", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Url(), testRootUrl+"/trunk")
	assert.Equal(t, session.Close(), nil)
	size, idle := pool.Size()
	assert.Equal(t, size, 1)
	assert.Equal(t, idle, 1)

	// the pooled connection is reparented to the new location
	session, err = pool.Open(ctx, testRootUrl+"/branches/b", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Url(), testRootUrl+"/branches/b")
	assert.Equal(t, connector.connects(), 1)

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(3))
	assert.Equal(t, session.Close(), nil)

	// client reply, reparent, get-latest-rev
	connector.next()
	assert.Equal(t, connector.next().String(), fmt.Sprintf("( reparent ( %s ) )", wireString(testRootUrl+"/branches/b")))
	assert.Equal(t, connector.next().String(), "( get-latest-rev ( ) )")
}

func TestSessionCheckPath(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command("( success ( dir ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( none ) ) "); err != nil {
			return err
		}
		return server.command("( success ( 42 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	kind, err := session.CheckPath(ctx, "/trunk/sub", 4)
	assert.Equal(t, err, nil)
	assert.Equal(t, kind, NodeDir)
	assert.Equal(t, connector.next().String(), "( check-path ( 3:sub ( 4 ) ) )")

	kind, err = session.CheckPath(ctx, "gone", InvalidRevision)
	assert.Equal(t, err, nil)
	assert.Equal(t, kind, NodeNone)
	assert.Equal(t, connector.next().String(), "( check-path ( 4:gone ( ) ) )")

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(42))
	assert.Equal(t, connector.next().String(), "( get-latest-rev ( ) )")
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionRevisionProperties(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command("( success ( ( ( 7:svn:log 3:fix ) ( 10:svn:author 5:alice ) ) ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( ( 3:fix ) ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( ( ) ) ) "); err != nil {
			return err
		}
		if err := server.command(testEmptySuccess); err != nil {
			return err
		}
		return server.command(testEmptySuccess)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	props, err := session.RevisionProperties(ctx, 3)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( rev-proplist ( 3 ) )")
	assert.Equal(t, len(props), 2)
	assert.Equal(t, string(props["svn:log"]), "fix")
	assert.Equal(t, string(props["svn:author"]), "alice")

	value, err := session.RevisionProperty(ctx, 3, "svn:log")
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( rev-prop ( 3 7:svn:log ) )")
	assert.Equal(t, string(value), "fix")

	value, err = session.RevisionProperty(ctx, 3, "custom")
	assert.Equal(t, err, nil)
	connector.next()
	assert.Equal(t, value == nil, true)

	err = session.ChangeRevisionProperty(ctx, 3, "svn:log", []byte("fixed"))
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( change-rev-prop ( 3 7:svn:log 5:fixed ) )")

	// a nil value deletes
	err = session.ChangeRevisionProperty(ctx, 3, "custom", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( change-rev-prop ( 3 6:custom ) )")
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionLocations(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command("( 3 10:/trunk/a.c ) ( 4 10:/trunk/b.c ) done ", testEmptySuccess); err != nil {
			return err
		}
		if err := server.command("( 3 5 10:/trunk/b.c ) ( 1 2 ) done ", testEmptySuccess); err != nil {
			return err
		}
		return server.unknownCommand("get-location-segments")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	locations, err := session.GetLocations(ctx, "b.c", 5, []Revision{3, 4, 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-locations ( 3:b.c 5 ( 3 4 1 ) ) )")
	assert.Equal(t, locations, map[Revision]string{
		3: "/trunk/a.c",
		4: "/trunk/b.c",
	})

	segments := []*LocationSegment{}
	err = session.GetLocationSegments(ctx, "b.c", 5, InvalidRevision, InvalidRevision, func(segment *LocationSegment) error {
		segments = append(segments, segment)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-location-segments ( 3:b.c ( 5 ) ( ) ( ) ) )")
	assert.Equal(t, len(segments), 2)
	assert.Equal(t, *segments[0], LocationSegment{RangeStart: 3, RangeEnd: 5, Path: "/trunk/b.c"})
	// a gap in the history
	assert.Equal(t, *segments[1], LocationSegment{RangeStart: 1, RangeEnd: 2, Path: ""})

	err = session.GetLocationSegments(ctx, "b.c", 5, InvalidRevision, InvalidRevision, func(segment *LocationSegment) error {
		return nil
	})
	assert.Equal(t, errors.Is(err, ErrNotImplemented), true)
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionMergeInfoAndLocks(t *testing.T) {
	lock := fmt.Sprintf(
		"( 10:/trunk/a.c %s 5:alice ( 3:fix ) %s ( ) ) ",
		wireString("opaquelocktoken:1"),
		wireString(testDate),
	)
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command("( success ( ( ( 10:/trunk/a.c 13:/branches/b:3 ) ) ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( ( " + lock + ") ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( ( ) ) ) "); err != nil {
			return err
		}
		if err := server.command("( success ( ( " + lock + lock + ") ) ) "); err != nil {
			return err
		}
		return server.unknownCommand("get-locks")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	mergeInfo, err := session.GetMergeInfo(ctx, []string{"a.c"}, InvalidRevision, "", false)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-mergeinfo ( ( 3:a.c ) ( ) explicit false ) )")
	assert.Equal(t, mergeInfo, MergeInfo{"/trunk/a.c": "/branches/b:3"})

	found, err := session.GetLock(ctx, "a.c")
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-lock ( 3:a.c ) )")
	assert.Equal(t, found.Path, "/trunk/a.c")
	assert.Equal(t, found.Token, "opaquelocktoken:1")
	assert.Equal(t, found.Owner, "alice")
	assert.Equal(t, found.Comment, "fix")
	assert.Equal(t, found.Created, testDate)
	assert.Equal(t, found.Expires, "")

	found, err = session.GetLock(ctx, "b.c")
	assert.Equal(t, err, nil)
	connector.next()
	assert.Equal(t, found == nil, true)

	locks, err := session.GetLocks(ctx, "/trunk", DepthInfinity)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-locks ( 0: infinity ) )")
	assert.Equal(t, len(locks), 2)

	_, err = session.GetLocks(ctx, "/trunk", DepthUnknown)
	assert.Equal(t, errors.Is(err, ErrNotImplemented), true)
	assert.Equal(t, connector.next().String(), "( get-locks ( 0: ) )")
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionReplay(t *testing.T) {
	drive := strings.Join([]string{
		"( open-root ( ( 6 ) 2:d0 ) ) ",
		"( add-dir ( 3:doc 2:d0 2:d1 ( 10:/trunk/old 5 ) ) ) ",
		"( close-dir ( 2:d1 ) ) ",
		"( delete-entry ( 5:a.txt ( 6 ) 2:d0 ) ) ",
		"( close-dir ( 2:d0 ) ) ",
		"( finish-replay ( ) ) ",
	}, "")
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if err := server.command(drive, testEmptySuccess); err != nil {
			return err
		}
		if err := server.unknownCommand("replay"); err != nil {
			return err
		}
		return server.command("( success ( 7 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	editor := newRecordingEditor()
	err := session.Replay(ctx, 7, 0, true, editor)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( replay ( 7 0 true ) )")
	assert.Equal(t, editor.calls, []string{
		"open-root ",
		"add-dir doc",
		"close-dir doc",
		"delete-entry a.txt",
		"close-dir ",
		"close-edit",
	})
	assert.Equal(t, session.Conn().Busy(), false)

	err = session.Replay(ctx, 7, 0, true, newRecordingEditor())
	assert.Equal(t, errors.Is(err, ErrNotImplemented), true)
	connector.next()

	// the connection is still usable
	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(7))
	assert.Equal(t, <-connector.errs, nil)
}

type testReplayHandler struct {
	started  []string
	finished []Revision
	editors  []*recordingEditor
}

func (self *testReplayHandler) StartRevision(revision Revision, revisionProps Properties) (Editor, error) {
	self.started = append(self.started, fmt.Sprintf("%d %s", revision, revisionProps["svn:log"]))
	editor := newRecordingEditor()
	self.editors = append(self.editors, editor)
	return editor, nil
}

func (self *testReplayHandler) FinishRevision(revision Revision, revisionProps Properties, editor Editor) error {
	self.finished = append(self.finished, revision)
	return nil
}

func TestSessionReplayRange(t *testing.T) {
	drive := strings.Join([]string{
		"( revprops ( ( 7:svn:log 3:one ) ) ) ",
		"( open-root ( ( 1 ) 2:d0 ) ) ",
		"( close-dir ( 2:d0 ) ) ",
		"( finish-replay ( ) ) ",
		"( revprops ( ) ) ",
		"( finish-replay ( ) ) ",
	}, "")
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(drive, testEmptySuccess)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	handler := &testReplayHandler{}
	err := session.ReplayRange(ctx, 2, 3, 0, false, handler)
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( replay-range ( 2 3 0 false ) )")
	assert.Equal(t, handler.started, []string{"2 one", "3 "})
	assert.Equal(t, handler.finished, []Revision{2, 3})
	assert.Equal(t, handler.editors[0].calls, []string{"open-root ", "close-dir ", "close-edit"})
	// an empty revision
	assert.Equal(t, len(handler.editors[1].calls), 0)
	assert.Equal(t, session.Conn().Busy(), false)
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionFileRevisions(t *testing.T) {
	chunk, err := delta.NewEncoder(1).Encode(delta.NewDataWindow([]byte("v1")))
	assert.Equal(t, err, nil)
	records := strings.Join([]string{
		"( 6:/trunk 3 ( ( 7:svn:log 3:add ) ) ( ) false ) ",
		fmt.Sprintf("%d:%s 0: ", len(chunk), chunk),
		"( 6:/trunk 4 ( ) ( ( 3:foo ( 3:bar ) ) ) ) ",
		"0: ",
		"done ",
	}, "")
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		return server.command(records, testEmptySuccess)
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	fileRevisions := []*FileRevision{}
	err = session.GetFileRevisions(ctx, "/trunk", 3, 4, false, func(fileRevision *FileRevision) error {
		fileRevisions = append(fileRevisions, fileRevision)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.next().String(), "( get-file-revs ( 0: ( 3 ) ( 4 ) false ) )")
	assert.Equal(t, len(fileRevisions), 2)

	assert.Equal(t, fileRevisions[0].Revision, Revision(3))
	assert.Equal(t, string(fileRevisions[0].RevisionProps["svn:log"]), "add")
	assert.Equal(t, bytes.Equal(fileRevisions[0].Delta, chunk), true)
	assert.Equal(t, fileRevisions[0].MergedRevision, false)

	assert.Equal(t, fileRevisions[1].Revision, Revision(4))
	assert.Equal(t, len(fileRevisions[1].PropChanges), 1)
	assert.Equal(t, fileRevisions[1].PropChanges[0].Name, "foo")
	assert.Equal(t, string(fileRevisions[1].PropChanges[0].Value), "bar")
	assert.Equal(t, fileRevisions[1].Delta == nil, true)
	assert.Equal(t, <-connector.errs, nil)
}

func TestSessionReplayRangeMalformedReopens(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if server.index == 0 {
			return server.command("( bogus ( ) ) ")
		}
		return server.command("( success ( 4 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	handler := &testReplayHandler{}
	err := session.ReplayRange(ctx, 2, 3, 0, false, handler)
	assert.Equal(t, errors.Is(err, ErrMalformedWireData), true)
	assert.Equal(t, len(handler.started), 0)
	assert.Equal(t, session.Conn().Busy(), false)
	assert.Equal(t, session.Conn().IsStale(), true)
	// replay-range
	connector.next()

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(4))
	assert.Equal(t, connector.connects(), 2)
}

func TestSessionFinishReportFailedReopens(t *testing.T) {
	connector := newTestConnector(func(server *testServer) error {
		if err := server.handshake(); err != nil {
			return err
		}
		if server.index == 0 {
			if err := server.command(); err != nil {
				return err
			}
			if err := server.receiveUntil("finish-report"); err != nil {
				return err
			}
			// in place of the auth request
			return server.send(testFailure(ErrCodeNotAuthorized, "Not authorized"))
		}
		return server.command("( success ( 6 ) ) ")
	})
	ctx := context.Background()
	session := openTestSession(t, connector)
	defer session.Close()

	reporter, err := session.Status(ctx, &StatusRequest{
		Revision: 6,
		Depth:    DepthInfinity,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Conn().Busy(), true)
	assert.Equal(t, reporter.SetPath("", 6, false, "", DepthInfinity), nil)

	err = reporter.Finish(newRecordingEditor())
	serverErr, ok := asServerError(err)
	assert.Equal(t, ok, true)
	assert.Equal(t, serverErr.Code, ErrCodeNotAuthorized)
	assert.Equal(t, session.Conn().Busy(), false)
	assert.Equal(t, session.Conn().IsStale(), true)

	revision, err := session.LatestRevision(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, Revision(6))
	assert.Equal(t, connector.connects(), 2)
}
