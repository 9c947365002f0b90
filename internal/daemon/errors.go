package daemon

import (
	"fmt"
	"strings"
)

// Kind discriminates the error taxonomy so callers can catch members
// selectively, or catch all of them via the single root type.
type Kind int

const (
	// KindConnectionFailed: transport-level failure to reach a daemon.
	KindConnectionFailed Kind = iota
	// KindHandshake: reachable endpoint but HELLO rejected or mismatched.
	KindHandshake
	// KindRemote: the invoked method itself raised.
	KindRemote
	// KindSerialization: payload could not be encoded/decoded.
	KindSerialization
	// KindServerShuttingDown: request aborted by daemon shutdown before execution.
	KindServerShuttingDown
	// KindServerCrashed: session dropped while a reply was pending.
	KindServerCrashed
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailedError"
	case KindHandshake:
		return "HandshakeError"
	case KindRemote:
		return "RemoteError"
	case KindSerialization:
		return "SerializationError"
	case KindServerShuttingDown:
		return "ServerShuttingDownError"
	case KindServerCrashed:
		return "ServerCrashedError"
	default:
		return "Error"
	}
}

// Handshake sub-kinds, carried in Error.Sub.
const (
	SubProtocolMismatch = "ProtocolMismatch"
	SubAuthRejected     = "AuthRejected"
)

// Error is the single root error type: every taxonomy member is an *Error
// distinguished by Kind, so errors.As(err, &singletonErr) catches all of
// them at once.
type Error struct {
	Kind    Kind
	Sub     string // handshake sub-kind, or remote error kind tag
	Message string
	Trace   string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Sub != "" {
		b.WriteString(" (")
		b.WriteString(e.Sub)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewConnectionFailedError wraps a transport-level dial/handshake-transport
// failure.
func NewConnectionFailedError(err error) *Error {
	return &Error{Kind: KindConnectionFailed, Message: err.Error(), Err: err}
}

// NewHandshakeError builds a HandshakeError with the given sub-kind.
func NewHandshakeError(sub, message string) *Error {
	return &Error{Kind: KindHandshake, Sub: sub, Message: message}
}

// NewRemoteError builds a RemoteError carrying the remote kind tag, message,
// and trace text produced by the invoked method.
func NewRemoteError(kindTag, message, trace string) *Error {
	return &Error{Kind: KindRemote, Sub: kindTag, Message: message, Trace: trace}
}

// NewSerializationError wraps an encode/decode failure.
func NewSerializationError(err error) *Error {
	return &Error{Kind: KindSerialization, Message: err.Error(), Err: err}
}

// NewServerShuttingDownError reports a request aborted before execution
// because the daemon is tearing down.
func NewServerShuttingDownError() *Error {
	return &Error{Kind: KindServerShuttingDown, Message: "daemon is shutting down"}
}

// NewServerCrashedError reports a session dropped while a reply was
// pending.
func NewServerCrashedError(err error) *Error {
	msg := "connection lost while a reply was pending"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Kind: KindServerCrashed, Message: msg, Err: err}
}

// ErrorFromRemote maps a REMOTE_ERROR envelope back onto the caller-facing
// taxonomy. Tags the daemon itself stamps (a request drained during
// shutdown, a result that would not encode) surface as their dedicated
// kinds; everything else is the invoked method's own failure, a RemoteError.
func ErrorFromRemote(m *RemoteErrMsg) *Error {
	switch m.KindTag {
	case KindServerShuttingDown.String():
		return &Error{Kind: KindServerShuttingDown, Message: m.Message}
	case KindSerialization.String():
		return &Error{Kind: KindSerialization, Message: m.Message}
	default:
		return NewRemoteError(m.KindTag, m.Message, m.Trace)
	}
}
