package svn

import (
	"errors"
	"fmt"
	"strings"
)

// errors.go provides the error taxonomy of the svn package
//
// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrX)
//   typed errors are unpacked with errors.As(err, &target)

// subversion error codes that the engine produces or interprets
const (
	ErrCodeNotAuthorized      int64 = 170001
	ErrCodeNotImplemented     int64 = 170003
	ErrCodeCancelled          int64 = 200015
	ErrCodeUnknownCommand     int64 = 210001
	ErrCodeConnectionClosed   int64 = 210002
	ErrCodeMalformedData      int64 = 210004
	ErrCodeBadVersion         int64 = 210006
	ErrCodeEditAborted        int64 = 210007
	ErrCodePathNotFound       int64 = 160013
	ErrCodeIllegalTarget      int64 = 200009
	ErrCodeCommandlineUnknown int64 = 205000
)

// used by the wire codec
var (
	ErrMalformedWireData = errors.New("malformed network data")
	ErrInvalidTemplate   = errors.New("invalid wire template")
	ErrMarkExceeded      = errors.New("lookahead exceeded the mark buffer")
)

// used by the connection
var (
	ErrConnectionClosed   = errors.New("connection closed unexpectedly")
	ErrConnectionBusy     = errors.New("connection is busy with an edit")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingCapability  = errors.New("server is missing a required capability")
	ErrRepositoryMismatch = errors.New("url is not in the session repository")
)

// used by the marshaller
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotImplemented = errors.New("not implemented by the server")
	ErrCancelled      = errors.New("operation cancelled")
)

// used by the editor protocol
var (
	ErrInvalidEditToken      = errors.New("invalid edit token")
	ErrMalformedEditSequence = errors.New("malformed edit command sequence")
	ErrEditTerminated        = errors.New("edit already terminated")
)

// ServerError is one record of a failure response.
// Records are chained parent to child in stream order, the first record outermost.
type ServerError struct {
	Code    int64
	Message string
	Child   *ServerError
}

func (self *ServerError) Error() string {
	parts := []string{}
	for e := self; e != nil; e = e.Child {
		if e.Message == "" {
			parts = append(parts, fmt.Sprintf("E%d", e.Code))
		} else {
			parts = append(parts, fmt.Sprintf("E%d: %s", e.Code, e.Message))
		}
	}
	return strings.Join(parts, "\n")
}

func (self *ServerError) Unwrap() error {
	if self.Child == nil {
		return nil
	}
	return self.Child
}

// Is maps well known codes onto the sentinel errors
func (self *ServerError) Is(target error) bool {
	switch target {
	case ErrUnknownCommand:
		return self.Code == ErrCodeUnknownCommand
	case ErrNotImplemented:
		return self.Code == ErrCodeNotImplemented
	case ErrNotAuthorized:
		return self.Code == ErrCodeNotAuthorized
	case ErrCancelled:
		return self.Code == ErrCodeCancelled
	case ErrMalformedWireData:
		return self.Code == ErrCodeMalformedData
	}
	return false
}

// Chain returns the records outermost first.
func (self *ServerError) Chain() []*ServerError {
	chain := []*ServerError{}
	for e := self; e != nil; e = e.Child {
		chain = append(chain, e)
	}
	return chain
}

// AuthenticationError carries the realm so that a caller can prompt for different credentials.
type AuthenticationError struct {
	Realm string
	Err   error
}

func (self *AuthenticationError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("authentication failed for realm %q: %s", self.Realm, self.Err)
	}
	return fmt.Sprintf("authentication failed for realm %q", self.Realm)
}

func (self *AuthenticationError) Unwrap() error {
	return self.Err
}

func (self *AuthenticationError) Is(target error) bool {
	return target == ErrNotAuthorized
}

// VersionError reports the supported range the server announced.
type VersionError struct {
	MinVersion int64
	MaxVersion int64
}

func (self *VersionError) Error() string {
	return fmt.Sprintf("server only supports protocol versions %d to %d, client requires %d", self.MinVersion, self.MaxVersion, ProtocolVersion)
}

func (self *VersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}

// CapabilityError names the missing server capability.
type CapabilityError struct {
	Capability string
}

func (self *CapabilityError) Error() string {
	return fmt.Sprintf("server does not support %s", self.Capability)
}

func (self *CapabilityError) Is(target error) bool {
	return target == ErrMissingCapability
}

// TemplateError is a programming error in a template string.
type TemplateError struct {
	Template string
	Offset   int
	Reason   string
}

func (self *TemplateError) Error() string {
	return fmt.Sprintf("invalid wire template %q at %d: %s", self.Template, self.Offset, self.Reason)
}

func (self *TemplateError) Is(target error) bool {
	return target == ErrInvalidTemplate
}

func malformedf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedWireData, fmt.Sprintf(format, a...))
}

func editSequencef(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEditSequence, fmt.Sprintf(format, a...))
}

func invalidTokenf(format string, a ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrMalformedWireData, ErrInvalidEditToken, fmt.Sprintf(format, a...))
}

// translate an unknown command failure into not implemented for optional commands
func notImplemented(command string, err error) error {
	if err != nil && errors.Is(err, ErrUnknownCommand) {
		return fmt.Errorf("%w: '%s'", ErrNotImplemented, command)
	}
	return err
}

// server error code for a local error, used when reporting failures to a peer
func errorCode(err error) int64 {
	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		return serverErr.Code
	case errors.Is(err, ErrCancelled):
		return ErrCodeCancelled
	case errors.Is(err, ErrMalformedWireData), errors.Is(err, ErrInvalidEditToken), errors.Is(err, ErrMalformedEditSequence):
		return ErrCodeMalformedData
	case errors.Is(err, ErrNotAuthorized):
		return ErrCodeNotAuthorized
	case errors.Is(err, ErrNotImplemented):
		return ErrCodeNotImplemented
	default:
		return ErrCodeEditAborted
	}
}
