package nostrconnect

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecode is reported for inbound payloads that cannot be decrypted or parsed.
	ErrDecode = errors.New("undecodable nip46 message")
	// ErrTransport is reported when a request could not be published to any relay.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout is reported when no correlated reply arrives before the deadline.
	ErrTimeout = errors.New("timed out waiting for the remote signer")
	// ErrRemote is matched by every *RemoteError.
	ErrRemote = errors.New("remote signer error")

	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionRevoked   = errors.New("session was revoked")

	// ErrUnsupportedScheme is reported when the session's permissions do not include the
	// requested capability, or the scheme itself is unknown.
	ErrUnsupportedScheme = errors.New("capability not permitted for this session")

	ErrServiceDestroyed = errors.New("service destroyed")

	ErrInvalidURI         = errors.New("invalid connection uri")
	ErrInvalidTransition  = errors.New("invalid session status transition")
	ErrUserPubkeyConflict = errors.New("user public key already set")
)

// RemoteError carries an error string returned verbatim by the remote signer.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote signer rejected %s: %s", e.Method, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// TransportError is returned when publishing failed on every relay it was attempted on.
type TransportError struct {
	Relays []string
	Err    error
}

func (e *TransportError) Error() string {
	msg := "failed to publish to " + strings.Join(e.Relays, ", ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }
