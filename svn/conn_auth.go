package svn

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/term"
)

// authentication runs after the handshake and after every command.
// The server offers mechanisms and a realm. An empty mechanism list needs no exchange.

const (
	MechanismExternal  = "EXTERNAL"
	MechanismAnonymous = "ANONYMOUS"
	MechanismCramMd5   = "CRAM-MD5"
)

// mechanisms in the order they are tried
var mechanismPriority = []string{
	MechanismExternal,
	MechanismAnonymous,
	MechanismCramMd5,
}

// username and password credentials
const CredentialKindSimple = "svn.simple"

type Credential struct {
	Username string
	Password string
	// sent with the EXTERNAL mechanism, e.g. the subject of a bearer token
	Identity string
}

// Fingerprint identifies the credential without exposing the secret.
func (self *Credential) Fingerprint() string {
	if self == nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(self.Username))
	h.Write([]byte{0})
	h.Write([]byte(self.Password))
	h.Write([]byte{0})
	h.Write([]byte(self.Identity))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AuthProvider supplies credentials for a realm.
// A nil credential with a nil error means no further credentials are available.
type AuthProvider interface {
	FirstCredential(kind string, realm string, target *Target) (*Credential, error)
	NextCredential(kind string, realm string, target *Target) (*Credential, error)
	Acknowledge(success bool, kind string, realm string, err error, credential *Credential)
}

// ChallengeResponder computes the answer to a server challenge for one mechanism.
type ChallengeResponder interface {
	Mechanism() string
	Respond(challenge []byte, credential *Credential) ([]byte, error)
}

// CramMd5Responder answers `username hex(hmac-md5(password, challenge))`.
type CramMd5Responder struct{}

func (self *CramMd5Responder) Mechanism() string {
	return MechanismCramMd5
}

func (self *CramMd5Responder) Respond(challenge []byte, credential *Credential) ([]byte, error) {
	if credential == nil {
		return nil, errors.New("CRAM-MD5 requires a credential")
	}
	mac := hmac.New(md5.New, []byte(credential.Password))
	mac.Write(challenge)
	return []byte(credential.Username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}

// StaticAuthProvider offers a fixed list of credentials in order.
type StaticAuthProvider struct {
	credentials []*Credential

	stateLock sync.Mutex
	// realm -> next credential index
	next map[string]int
}

func NewStaticAuthProvider(credentials ...*Credential) *StaticAuthProvider {
	return &StaticAuthProvider{
		credentials: credentials,
		next:        map[string]int{},
	}
}

func (self *StaticAuthProvider) FirstCredential(kind string, realm string, target *Target) (*Credential, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.next[realm] = 0
	return self.nextLocked(realm), nil
}

func (self *StaticAuthProvider) NextCredential(kind string, realm string, target *Target) (*Credential, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.nextLocked(realm), nil
}

func (self *StaticAuthProvider) nextLocked(realm string) *Credential {
	i := self.next[realm]
	if len(self.credentials) <= i {
		return nil
	}
	self.next[realm] = i + 1
	return self.credentials[i]
}

func (self *StaticAuthProvider) Acknowledge(success bool, kind string, realm string, err error, credential *Credential) {
	if !success {
		glog.V(1).Infof("[auth]credential for %s rejected = %s\n", realm, err)
	}
}

// PromptAuthProvider asks for a username and password on a terminal.
type PromptAuthProvider struct {
	in       *os.File
	out      io.Writer
	attempts int

	stateLock sync.Mutex
	// realm -> prompts made
	prompts map[string]int
}

func NewPromptAuthProviderWithDefaults() *PromptAuthProvider {
	return NewPromptAuthProvider(os.Stdin, os.Stderr, 3)
}

func NewPromptAuthProvider(in *os.File, out io.Writer, attempts int) *PromptAuthProvider {
	return &PromptAuthProvider{
		in:       in,
		out:      out,
		attempts: attempts,
		prompts:  map[string]int{},
	}
}

func (self *PromptAuthProvider) FirstCredential(kind string, realm string, target *Target) (*Credential, error) {
	self.stateLock.Lock()
	self.prompts[realm] = 0
	self.stateLock.Unlock()
	return self.prompt(realm, target)
}

func (self *PromptAuthProvider) NextCredential(kind string, realm string, target *Target) (*Credential, error) {
	return self.prompt(realm, target)
}

func (self *PromptAuthProvider) prompt(realm string, target *Target) (*Credential, error) {
	self.stateLock.Lock()
	n := self.prompts[realm]
	if self.attempts <= n {
		self.stateLock.Unlock()
		return nil, nil
	}
	self.prompts[realm] = n + 1
	self.stateLock.Unlock()

	fmt.Fprintf(self.out, "Authentication realm: %s\n", realm)
	username := target.User
	if username == "" {
		fmt.Fprint(self.out, "Username: ")
		line, err := bufio.NewReader(self.in).ReadString('\n')
		if err != nil && line == "" {
			return nil, err
		}
		username = strings.TrimSpace(line)
	}
	fmt.Fprintf(self.out, "Password for '%s': ", username)
	passwordBytes, err := term.ReadPassword(int(self.in.Fd()))
	fmt.Fprint(self.out, "\n")
	if err != nil {
		return nil, err
	}
	return &Credential{
		Username: username,
		Password: string(passwordBytes),
	}, nil
}

func (self *PromptAuthProvider) Acknowledge(success bool, kind string, realm string, err error, credential *Credential) {
	if !success && err != nil {
		fmt.Fprintf(self.out, "Authentication failed: %s\n", err)
	}
}

var (
	authRequestTemplate = MustCompileTemplate("[((*w)s)]")
	authReplyTemplate   = MustCompileTemplate("(w(?b))")
	authMechTemplate    = MustCompileTemplate("w(?b)")
)

// authenticator runs one mechanism exchange over the connection wire
type authenticator struct {
	conn       *Conn
	provider   AuthProvider
	responders map[string]ChallengeResponder
}

func (self *authenticator) authenticate(ctx context.Context, mechanisms []string, realm string) error {
	if len(mechanisms) == 0 {
		return nil
	}
	glog.V(1).Infof("[auth]%s offered %v realm %q\n", self.conn.id, mechanisms, realm)

	var lastErr error
	for _, mechanism := range mechanismPriority {
		if !slices.Contains(mechanisms, mechanism) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		var err error
		switch mechanism {
		case MechanismExternal:
			err = self.authenticateOnce(mechanism, []byte(self.externalIdentity(realm)), nil)
		case MechanismAnonymous:
			err = self.authenticateOnce(mechanism, []byte{}, nil)
		default:
			err = self.authenticateChallenge(ctx, mechanism, realm)
		}
		if err == nil {
			self.conn.authenticated = true
			self.conn.realm = realm
			return nil
		}
		// an exhausted credential list or a wire error ends negotiation
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			return err
		}
		glog.Infof("[auth]%s %s failed = %s\n", self.conn.id, mechanism, err)
		lastErr = authErr.Err
	}
	return &AuthenticationError{
		Realm: realm,
		Err:   lastErr,
	}
}

func (self *authenticator) externalIdentity(realm string) string {
	if self.provider == nil {
		return ""
	}
	credential, err := self.provider.FirstCredential(CredentialKindSimple, realm, self.conn.target)
	if err != nil || credential == nil {
		return ""
	}
	return credential.Identity
}

// sends `( MECH ( ?token ) )` and runs the step loop until success or failure
func (self *authenticator) authenticateOnce(mechanism string, token []byte, credential *Credential) error {
	if err := self.conn.writeTuple(authMechTemplate, mechanism, token); err != nil {
		return err
	}
	for {
		var status string
		var reply []byte
		if err := self.conn.Read(authReplyTemplate, &status, &reply); err != nil {
			return err
		}
		switch status {
		case "success":
			return nil
		case "failure":
			return &AuthenticationError{
				Err: fmt.Errorf("%w: %s", ErrNotAuthorized, reply),
			}
		case "step":
			responder, ok := self.responders[mechanism]
			if !ok {
				return malformedf("unexpected step for mechanism %s", mechanism)
			}
			answer, err := responder.Respond(reply, credential)
			if err != nil {
				return err
			}
			// a step answer is a bare string
			if err := self.conn.writer.WriteBytes(answer); err != nil {
				return err
			}
			if err := self.conn.writer.Flush(); err != nil {
				return err
			}
		default:
			return malformedf("unexpected authentication status '%s'", status)
		}
	}
}

func (self *authenticator) authenticateChallenge(ctx context.Context, mechanism string, realm string) error {
	if self.provider == nil {
		return &AuthenticationError{
			Realm: realm,
			Err:   fmt.Errorf("%w: no credentials for %s", ErrNotAuthorized, mechanism),
		}
	}
	target := self.conn.target
	credential, err := self.provider.FirstCredential(CredentialKindSimple, realm, target)
	for {
		if err != nil {
			return err
		}
		if credential == nil {
			return &AuthenticationError{
				Realm: realm,
				Err:   fmt.Errorf("%w: credentials exhausted", ErrNotAuthorized),
			}
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		authErr := self.authenticateOnce(mechanism, nil, credential)
		var rejected *AuthenticationError
		switch {
		case authErr == nil:
			self.provider.Acknowledge(true, CredentialKindSimple, realm, nil, credential)
			self.conn.credential = credential
			return nil
		case errors.As(authErr, &rejected):
			self.provider.Acknowledge(false, CredentialKindSimple, realm, rejected.Err, credential)
		default:
			return authErr
		}
		credential, err = self.provider.NextCredential(CredentialKindSimple, realm, target)
	}
}
