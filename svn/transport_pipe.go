package svn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a tunnel runs a local command, by default `ssh host svnserve -t`,
// and speaks the protocol over its stdin and stdout.

type TunnelSettings struct {
	// the command and leading arguments, the host and remote command are appended
	Command      []string
	RemoteArgs   []string
	StaleTimeout time.Duration
}

// DefaultTunnelSettings reads the tunnel command from `SVN_SSH` when set.
func DefaultTunnelSettings() *TunnelSettings {
	command := []string{"ssh", "-q", "-o", "ControlMaster=no"}
	if svnSsh := strings.TrimSpace(os.Getenv("SVN_SSH")); svnSsh != "" {
		command = strings.Fields(svnSsh)
	}
	return &TunnelSettings{
		Command:      command,
		RemoteArgs:   []string{"svnserve", "-t"},
		StaleTimeout: 5 * time.Minute,
	}
}

type PipeConnector struct {
	settings *TunnelSettings
}

func NewPipeConnectorWithDefaults() *PipeConnector {
	return NewPipeConnector(DefaultTunnelSettings())
}

func NewPipeConnector(settings *TunnelSettings) *PipeConnector {
	return &PipeConnector{
		settings: settings,
	}
}

func (self *PipeConnector) commandArgs(target *Target) []string {
	args := []string{}
	args = append(args, self.settings.Command[1:]...)
	if target.Port != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", target.Port))
	}
	host := target.Host
	if target.User != "" {
		host = target.User + "@" + host
	}
	args = append(args, host)
	args = append(args, self.settings.RemoteArgs...)
	return args
}

func (self *PipeConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	if len(self.settings.Command) == 0 {
		return nil, fmt.Errorf("no tunnel command for %s", target)
	}
	cmd := exec.Command(self.settings.Command[0], self.commandArgs(target)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = newLineLogWriter(LogFn(LogLevelInfo, "tunnel"))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("couldn't start tunnel '%s': %w", self.settings.Command[0], err)
	}
	glog.V(1).Infof("[tunnel]started %s pid %d\n", cmd.Path, cmd.Process.Pid)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := cmd.Wait(); err != nil {
			glog.V(1).Infof("[tunnel]%s exited = %s\n", cmd.Path, err)
		}
	}()

	rw := &readWriteCloser{
		Reader:  stdout,
		Writer:  stdin,
		closers: []io.Closer{stdin, &processCloser{cmd: cmd, exited: exited}},
	}
	return newTrackedStream(rw, self.settings.StaleTimeout, exited, nil), nil
}

// processCloser waits briefly for the tunnel to exit after stdin closes, then kills it
type processCloser struct {
	cmd    *exec.Cmd
	exited <-chan struct{}
}

func (self *processCloser) Close() error {
	select {
	case <-self.exited:
		return nil
	case <-time.After(2 * time.Second):
	}
	if err := self.cmd.Process.Kill(); err != nil {
		return err
	}
	<-self.exited
	return nil
}

// lineLogWriter logs each complete line written to it, e.g. a tunnel's stderr
type lineLogWriter struct {
	log LogFunction

	stateLock sync.Mutex
	pending   bytes.Buffer
}

func newLineLogWriter(log LogFunction) *lineLogWriter {
	return &lineLogWriter{
		log: log,
	}
}

func (self *lineLogWriter) Write(b []byte) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending.Write(b)
	for {
		line, err := self.pending.ReadString('\n')
		if err != nil {
			// keep the partial line
			self.pending.Reset()
			self.pending.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			self.log("%s", line)
		}
	}
	return len(b), nil
}
