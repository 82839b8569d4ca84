package svn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// `svn+ssh://` runs `svnserve -t` in an ssh session.
// One ssh client is shared by all streams to the same (user, host, port, credential),
// each stream is its own session on that client.

type SshSettings struct {
	// used when the url has no user, falls back to `$USER`
	User string
	// optional password auth, tried after keys
	Password string
	// private key files, tried after the ssh agent
	KeyFiles []string
	// replaces the agent, key file and password methods when set
	AuthMethods []ssh.AuthMethod
	// when nil, hosts are checked against `KnownHostsFiles`
	HostKeyCallback ssh.HostKeyCallback
	KnownHostsFiles []string

	RemoteCommand  string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	StaleTimeout   time.Duration

	ClientPoolSettings *PoolSettings
}

func DefaultSshSettings() *SshSettings {
	home, _ := os.UserHomeDir()
	sshDir := filepath.Join(home, ".ssh")
	return &SshSettings{
		User: os.Getenv("USER"),
		KeyFiles: []string{
			filepath.Join(sshDir, "id_ed25519"),
			filepath.Join(sshDir, "id_ecdsa"),
			filepath.Join(sshDir, "id_rsa"),
		},
		KnownHostsFiles: []string{
			filepath.Join(sshDir, "known_hosts"),
		},
		RemoteCommand:      "svnserve -t",
		ConnectTimeout:     15 * time.Second,
		KeepAlive:          5 * time.Second,
		StaleTimeout:       5 * time.Minute,
		ClientPoolSettings: DefaultPoolSettings(),
	}
}

type SshConnector struct {
	settings *SshSettings
	clients  *Pool[*ssh.Client]
	log      LogFunction
}

func NewSshConnectorWithDefaults(ctx context.Context) *SshConnector {
	return NewSshConnector(ctx, DefaultSshSettings())
}

func NewSshConnector(ctx context.Context, settings *SshSettings) *SshConnector {
	connector := &SshConnector{
		settings: settings,
		log:      LogFn(LogLevelDebug, "ssh"),
	}
	connector.clients = NewPool[*ssh.Client](ctx, settings.ClientPoolSettings)
	return connector
}

// poolKey identifies the ssh client a target shares
func (self *SshConnector) poolKey(target *Target) PoolKey {
	user := target.User
	if user == "" {
		user = self.settings.User
	}
	credential := &Credential{
		Username: user,
		Password: self.settings.Password,
		Identity: strings.Join(self.settings.KeyFiles, ","),
	}
	return PoolKey{
		User:                  user,
		Host:                  target.Host,
		Port:                  target.effectivePort(),
		CredentialFingerprint: credential.Fingerprint(),
	}
}

func (self *SshConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	key := self.poolKey(target)
	handle, err := self.clients.Acquire(ctx, key, func(ctx context.Context) (*ssh.Client, error) {
		return self.openClient(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	client := handle.Resource()

	session, err := client.NewSession()
	if err != nil {
		// the client is no longer usable
		handle.Discard()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		handle.Release()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		handle.Release()
		return nil, err
	}
	sessionLog := SubLogFn(LogLevelInfo, self.log, target.Host)
	session.Stderr = newLineLogWriter(sessionLog)

	if err := session.Start(self.settings.RemoteCommand); err != nil {
		session.Close()
		handle.Release()
		return nil, fmt.Errorf("couldn't start '%s' on %s: %w", self.settings.RemoteCommand, target.Host, err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := session.Wait(); err != nil {
			glog.V(1).Infof("[ssh]session on %s exited = %s\n", target.Host, err)
		}
	}()

	rw := &readWriteCloser{
		Reader:  stdout,
		Writer:  stdin,
		closers: []io.Closer{stdin, session},
	}
	return newTrackedStream(rw, self.settings.StaleTimeout, exited, handle.Release), nil
}

func (self *SshConnector) openClient(ctx context.Context, key PoolKey) (*ssh.Client, error) {
	hostKeyCallback := self.settings.HostKeyCallback
	if hostKeyCallback == nil {
		var err error
		hostKeyCallback, err = knownhosts.New(self.settings.KnownHostsFiles...)
		if err != nil {
			return nil, fmt.Errorf("couldn't load known hosts: %w", err)
		}
	}

	authMethods := self.settings.AuthMethods
	var agentConn net.Conn
	if authMethods == nil {
		authMethods, agentConn = self.defaultAuthMethods()
	}
	if agentConn != nil {
		// only needed while the handshake signs
		defer agentConn.Close()
	}

	dialer := &net.Dialer{
		Timeout:   self.settings.ConnectTimeout,
		KeepAlive: self.settings.KeepAlive,
	}
	addr := net.JoinHostPort(key.Host, fmt.Sprintf("%d", key.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            key.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         self.settings.ConnectTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	self.log("connected %s", key)
	return ssh.NewClient(c, chans, reqs), nil
}

// agent signers, then key files, then the password
func (self *SshConnector) defaultAuthMethods() (authMethods []ssh.AuthMethod, agentConn net.Conn) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		var err error
		agentConn, err = net.Dial("unix", sock)
		if err == nil {
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		} else {
			glog.Infof("[ssh]agent unavailable = %s\n", err)
		}
	}

	signers := []ssh.Signer{}
	for _, keyFile := range self.settings.KeyFiles {
		keyBytes, err := os.ReadFile(keyFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				glog.Infof("[ssh]read key %s = %s\n", keyFile, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			// encrypted keys are served by the agent
			glog.V(1).Infof("[ssh]parse key %s = %s\n", keyFile, err)
			continue
		}
		signers = append(signers, signer)
	}
	if 0 < len(signers) {
		authMethods = append(authMethods, ssh.PublicKeys(signers...))
	}

	if self.settings.Password != "" {
		authMethods = append(authMethods, ssh.Password(self.settings.Password))
	}
	return
}

// Close closes every pooled ssh client.
func (self *SshConnector) Close() {
	self.clients.Shutdown()
}
