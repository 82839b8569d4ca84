package svn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("svn+ssh://alice@example.com:2222/repos/a%20b/")
	assert.Equal(t, err, nil)
	assert.Equal(t, target.Scheme, "svn+ssh")
	assert.Equal(t, target.User, "alice")
	assert.Equal(t, target.Host, "example.com")
	assert.Equal(t, target.Port, 2222)
	assert.Equal(t, target.Path, "/repos/a b")
	assert.Equal(t, target.effectivePort(), 2222)
	// no user info
	assert.Equal(t, target.Url(), "svn+ssh://example.com:2222/repos/a%20b")

	target, err = ParseTarget("svn://example.com")
	assert.Equal(t, err, nil)
	assert.Equal(t, target.Path, "/")
	assert.Equal(t, target.Port, 0)
	assert.Equal(t, target.effectivePort(), DefaultSvnPort)
	assert.Equal(t, target.HostPort(DefaultSvnPort), "example.com:3690")
	assert.Equal(t, target.Url(), "svn://example.com/")

	moved := target.WithPath("x/y")
	assert.Equal(t, moved.Path, "/x/y")
	assert.Equal(t, target.Path, "/")

	target, err = ParseTarget("svn+wss://[::1]/r")
	assert.Equal(t, err, nil)
	assert.Equal(t, target.Host, "::1")
	assert.Equal(t, target.effectivePort(), 443)
	assert.Equal(t, target.HostPort(443), "[::1]:443")
	assert.Equal(t, target.Url(), "svn+wss://[::1]/r")

	_, err = ParseTarget("http://example.com/repos")
	assert.NotEqual(t, err, nil)
	_, err = ParseTarget("svn:///repos")
	assert.NotEqual(t, err, nil)
}

type testNamedConnector struct {
	name string

	stateLock sync.Mutex
	targets   []string
}

func (self *testNamedConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.targets = append(self.targets, target.Url())
	return nil, fmt.Errorf("%s", self.name)
}

func TestSchemeConnector(t *testing.T) {
	ctx := context.Background()

	socket := &testNamedConnector{name: "socket"}
	tunnel := &testNamedConnector{name: "tunnel"}
	connector := NewSchemeConnector(map[string]Connector{
		"svn": socket,
	}, tunnel)

	target, err := ParseTarget("svn://example.com/repos")
	assert.Equal(t, err, nil)
	_, err = connector.Connect(ctx, target)
	assert.Equal(t, err.Error(), "socket")

	target, err = ParseTarget("svn+custom://example.com/repos")
	assert.Equal(t, err, nil)
	_, err = connector.Connect(ctx, target)
	assert.Equal(t, err.Error(), "tunnel")

	_, err = connector.Connect(ctx, &Target{Scheme: "svnx", Host: "example.com", Path: "/"})
	assert.Equal(t, err.Error(), "no transport for scheme 'svnx'")

	assert.Equal(t, socket.targets, []string{"svn://example.com/repos"})
	assert.Equal(t, tunnel.targets, []string{"svn+custom://example.com/repos"})

	// no tunnel
	connector = NewSchemeConnector(map[string]Connector{}, nil)
	_, err = connector.Connect(ctx, target)
	assert.Equal(t, err.Error(), "no transport for scheme 'svn+custom'")
}

func TestTrackedStream(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	closeCount := 0
	stream := newTrackedStream(a, 0, nil, func() {
		closeCount += 1
	})
	assert.Equal(t, stream.IsStale(), false)

	go func() {
		b.Write([]byte("x"))
		b.Close()
	}()
	buf := make([]byte, 8)
	n, err := stream.Read(buf)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	assert.Equal(t, stream.IsStale(), false)

	_, err = stream.Read(buf)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, stream.IsStale(), true)
	assert.Equal(t, stream.Err(), err)

	stream.Close()
	stream.Close()
	assert.Equal(t, closeCount, 1)
}

func TestTrackedStreamExpiry(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	exited := make(chan struct{})
	stream := newTrackedStream(a, 50*time.Millisecond, exited, nil)
	defer stream.Close()
	assert.Equal(t, stream.IsStale(), false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stream.IsStale(), true)

	c, d := net.Pipe()
	defer d.Close()
	stream = newTrackedStream(c, 0, exited, nil)
	defer stream.Close()
	assert.Equal(t, stream.IsStale(), false)
	close(exited)
	assert.Equal(t, stream.IsStale(), true)
}

func TestPipeConnectorArgs(t *testing.T) {
	connector := NewPipeConnector(&TunnelSettings{
		Command:    []string{"ssh", "-q"},
		RemoteArgs: []string{"svnserve", "-t"},
	})

	target, err := ParseTarget("svn+ssh://alice@example.com:2222/repos")
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.commandArgs(target), []string{"-q", "-p", "2222", "alice@example.com", "svnserve", "-t"})

	target, err = ParseTarget("svn+ssh://example.com/repos")
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.commandArgs(target), []string{"-q", "example.com", "svnserve", "-t"})

	_, err = NewPipeConnector(&TunnelSettings{}).Connect(context.Background(), target)
	assert.NotEqual(t, err, nil)
}

func TestLineLogWriter(t *testing.T) {
	lines := []string{}
	writer := newLineLogWriter(func(format string, a ...any) {
		lines = append(lines, fmt.Sprintf(format, a...))
	})

	n, err := writer.Write([]byte("one\ntw"))
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 6)
	assert.Equal(t, lines, []string{"one"})

	writer.Write([]byte("o\r\n\nthree"))
	assert.Equal(t, lines, []string{"one", "two"})

	writer.Write([]byte("\n"))
	assert.Equal(t, lines, []string{"one", "two", "three"})
}

func TestWebSocketEndpointUrl(t *testing.T) {
	connector := NewWebSocketConnectorWithDefaults()

	target, err := ParseTarget("svn+ws://example.com/repos")
	assert.Equal(t, err, nil)
	endpointUrl, err := connector.endpointUrl(target)
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "ws://example.com:80/svn-tunnel")

	target, err = ParseTarget("svn+wss://example.com:8443/repos")
	assert.Equal(t, err, nil)
	endpointUrl, err = connector.endpointUrl(target)
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "wss://example.com:8443/svn-tunnel")

	target, err = ParseTarget("svn://example.com/repos")
	assert.Equal(t, err, nil)
	_, err = connector.endpointUrl(target)
	assert.NotEqual(t, err, nil)
}

func testJwt(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)
	return signed
}

func TestBearerJwt(t *testing.T) {
	jwt := testJwt(t, gojwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	bearer, err := ParseBearerJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, bearer.Subject, "alice")
	assert.Equal(t, bearer.Expired(), false)

	jwt = testJwt(t, gojwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	bearer, err = ParseBearerJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, bearer.Expired(), true)

	// no expiry
	jwt = testJwt(t, gojwt.MapClaims{
		"sub": "bob",
	})
	bearer, err = ParseBearerJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, bearer.ExpiresAt.IsZero(), true)
	assert.Equal(t, bearer.Expired(), false)

	_, err = ParseBearerJwtUnverified(testJwt(t, gojwt.MapClaims{
		"name": "alice",
	}))
	assert.NotEqual(t, err, nil)
	_, err = ParseBearerJwtUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}

func TestBearerAuthProvider(t *testing.T) {
	provider, err := NewBearerAuthProvider(testJwt(t, gojwt.MapClaims{
		"sub": "alice",
	}))
	assert.Equal(t, err, nil)

	credential, err := provider.FirstCredential(CredentialKindSimple, "realm", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, credential.Username, "alice")
	assert.Equal(t, credential.Identity, "alice")

	credential, err = provider.NextCredential(CredentialKindSimple, "realm", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, credential == nil, true)
}

func TestWebSocketExpiredBearer(t *testing.T) {
	settings := DefaultWebSocketSettings()
	settings.BearerJwt = testJwt(t, gojwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	connector := NewWebSocketConnector(settings)
	target, err := ParseTarget("svn+ws://example.com/repos")
	assert.Equal(t, err, nil)
	_, err = connector.Connect(context.Background(), target)
	assert.Equal(t, errors.Is(err, ErrNotAuthorized), true)
}

func TestSshPoolKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSshSettings()
	settings.User = "builder"
	settings.KeyFiles = []string{"/keys/id_ed25519"}
	connector := NewSshConnector(ctx, settings)

	target, err := ParseTarget("svn+ssh://example.com/repos")
	assert.Equal(t, err, nil)
	key := connector.poolKey(target)
	assert.Equal(t, key.User, "builder")
	assert.Equal(t, key.Host, "example.com")
	assert.Equal(t, key.Port, 22)

	target, err = ParseTarget("svn+ssh://alice@example.com:2222/repos")
	assert.Equal(t, err, nil)
	other := connector.poolKey(target)
	assert.Equal(t, other.User, "alice")
	assert.Equal(t, other.Port, 2222)
	assert.NotEqual(t, other.CredentialFingerprint, key.CredentialFingerprint)

	// the same settings share a client
	assert.Equal(t, connector.poolKey(target), other)
}

func TestCredentialFingerprint(t *testing.T) {
	a := &Credential{Username: "alice", Password: "secret"}
	b := &Credential{Username: "alice", Password: "other"}
	assert.Equal(t, len(a.Fingerprint()), 16)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), (&Credential{Username: "alice", Password: "secret"}).Fingerprint())
	var none *Credential
	assert.Equal(t, none.Fingerprint(), "")
}

func TestFormatByteCount(t *testing.T) {
	assert.Equal(t, formatByteCount(512), "512b")
	assert.Equal(t, formatByteCount(kib(1)+512), "1.50kib")
	assert.Equal(t, formatByteCount(mib(3)), "3.00mib")
}

func TestId(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.NotEqual(t, a, b)
	assert.Equal(t, len(a.String()), 26)
	// ids are ordered by creation time
	assert.Equal(t, a.String() <= b.String(), true)
}
