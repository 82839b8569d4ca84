package svn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// `svn+ws://` and `svn+wss://` tunnel the protocol stream through a websocket gateway.
// Stream bytes travel in binary messages. An empty binary message is a ping.
// The gateway authenticates the bearer jwt in the handshake, and the svn server
// sees the jwt subject as the EXTERNAL identity.

type WebSocketSettings struct {
	// the gateway endpoint on the target host
	EndpointPath     string
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	StaleTimeout     time.Duration
	// sent as `Authorization: Bearer <jwt>` when set
	BearerJwt string
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		EndpointPath:     "/svn-tunnel",
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		StaleTimeout:     5 * time.Minute,
	}
}

type WebSocketConnector struct {
	settings *WebSocketSettings
}

func NewWebSocketConnectorWithDefaults() *WebSocketConnector {
	return NewWebSocketConnector(DefaultWebSocketSettings())
}

func NewWebSocketConnector(settings *WebSocketSettings) *WebSocketConnector {
	return &WebSocketConnector{
		settings: settings,
	}
}

func (self *WebSocketConnector) endpointUrl(target *Target) (string, error) {
	switch target.Scheme {
	case "svn+ws":
		return fmt.Sprintf("ws://%s%s", target.HostPort(80), self.settings.EndpointPath), nil
	case "svn+wss":
		return fmt.Sprintf("wss://%s%s", target.HostPort(443), self.settings.EndpointPath), nil
	default:
		return "", fmt.Errorf("not a websocket scheme '%s'", target.Scheme)
	}
}

func (self *WebSocketConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	endpointUrl, err := self.endpointUrl(target)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if self.settings.BearerJwt != "" {
		bearer, err := ParseBearerJwtUnverified(self.settings.BearerJwt)
		if err != nil {
			return nil, err
		}
		if bearer.Expired() {
			return nil, fmt.Errorf("%w: bearer token for %s expired at %s", ErrNotAuthorized, bearer.Subject, bearer.ExpiresAt)
		}
		header.Set("Authorization", "Bearer "+self.settings.BearerJwt)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, endpointUrl, header)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[ws]connected %s\n", endpointUrl)

	stream := newWsStream(ws, self.settings)
	go stream.ping()
	return newTrackedStream(stream, self.settings.StaleTimeout, stream.done(), nil), nil
}

// wsStream adapts message framing to a byte stream
type wsStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WebSocketSettings

	writeLock sync.Mutex

	// unread bytes of the current message, only touched by the reader
	pending []byte
}

func newWsStream(ws *websocket.Conn, settings *WebSocketSettings) *wsStream {
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &wsStream{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
	}
}

func (self *wsStream) done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *wsStream) ping() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		if err := self.writeMessage(make([]byte, 0)); err != nil {
			// note that for websocket a deadline timeout cannot be recovered
			glog.V(1).Infof("[ws]ping error = %s\n", err)
			return
		}
	}
}

func (self *wsStream) writeMessage(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *wsStream) Read(b []byte) (int, error) {
	for len(self.pending) == 0 {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.cancel()
			return 0, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			self.pending = message
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}
	n := copy(b, self.pending)
	self.pending = self.pending[n:]
	return n, nil
}

func (self *wsStream) Write(b []byte) (int, error) {
	if len(b) == 0 {
		// an empty message would read as a ping
		return 0, nil
	}
	message := make([]byte, len(b))
	copy(message, b)
	if err := self.writeMessage(message); err != nil {
		self.cancel()
		return 0, err
	}
	return len(b), nil
}

func (self *wsStream) Close() error {
	self.cancel()
	self.writeLock.Lock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	self.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	self.writeLock.Unlock()
	return self.ws.Close()
}

// BearerJwt holds the claims the tunnel uses. The signature is verified by the gateway, not here.
type BearerJwt struct {
	Subject string
	// zero when the token does not expire
	ExpiresAt time.Time
}

func (self *BearerJwt) Expired() bool {
	return !self.ExpiresAt.IsZero() && self.ExpiresAt.Before(time.Now())
}

func ParseBearerJwtUnverified(jwt string) (*BearerJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	bearer := &BearerJwt{}
	if subject, err := claims.GetSubject(); err == nil {
		bearer.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		bearer.ExpiresAt = expiresAt.Time
	}
	if bearer.Subject == "" {
		return nil, errors.New("bearer token has no subject")
	}
	return bearer, nil
}

// BearerAuthProvider offers the jwt subject as the one credential,
// used as the EXTERNAL identity and the CRAM-MD5 user name.
type BearerAuthProvider struct {
	bearer *BearerJwt
}

func NewBearerAuthProvider(jwt string) (*BearerAuthProvider, error) {
	bearer, err := ParseBearerJwtUnverified(jwt)
	if err != nil {
		return nil, err
	}
	return &BearerAuthProvider{
		bearer: bearer,
	}, nil
}

func (self *BearerAuthProvider) FirstCredential(kind string, realm string, target *Target) (*Credential, error) {
	return &Credential{
		Username: self.bearer.Subject,
		Identity: self.bearer.Subject,
	}, nil
}

func (self *BearerAuthProvider) NextCredential(kind string, realm string, target *Target) (*Credential, error) {
	return nil, nil
}

func (self *BearerAuthProvider) Acknowledge(success bool, kind string, realm string, err error, credential *Credential) {
	if !success {
		glog.Infof("[ws]bearer identity %s rejected for %s = %s\n", self.bearer.Subject, realm, err)
	}
}
