package daemon

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
)

// MessageKind tags a Message, a closed set of wire message kinds.
type MessageKind string

const (
	KindHello     MessageKind = "HELLO"
	KindHelloOK   MessageKind = "HELLO_OK"
	KindHelloErr  MessageKind = "HELLO_ERR"
	KindCall      MessageKind = "CALL"
	KindResult    MessageKind = "RESULT"
	KindRemoteErr MessageKind = "REMOTE_ERROR"
	KindPing      MessageKind = "PING"
	KindPong      MessageKind = "PONG"
	KindClose     MessageKind = "CLOSE"
	KindShutdown  MessageKind = "SHUTDOWN"
)

// Message is the sum-typed wire envelope: exactly one of the pointer
// fields below is non-nil, selected by Kind. Encoded as a whole via the
// negotiated Codec, one Message per frame.
type Message struct {
	Kind MessageKind `cbor:"kind"`

	Hello     *HelloMsg     `cbor:"hello,omitempty"`
	HelloOK   *HelloOKMsg   `cbor:"hello_ok,omitempty"`
	HelloErr  *HelloErrMsg  `cbor:"hello_err,omitempty"`
	Call      *CallMsg      `cbor:"call,omitempty"`
	Result    *ResultMsg    `cbor:"result,omitempty"`
	RemoteErr *RemoteErrMsg `cbor:"remote_error,omitempty"`
	Ping      *PingMsg      `cbor:"ping,omitempty"`
	Pong      *PongMsg      `cbor:"pong,omitempty"`
	Close     *CloseMsg     `cbor:"close,omitempty"`
	Shutdown  *ShutdownMsg  `cbor:"shutdown,omitempty"`
}

type HelloMsg struct {
	ProtocolVersion int    `cbor:"protocol_version"`
	Token           []byte `cbor:"token"`
	CodecID         string `cbor:"codec_id"`
}

type HelloOKMsg struct {
	PID        int       `cbor:"pid"`
	StartedAt  time.Time `cbor:"started_at"`
	ServerInfo string    `cbor:"server_info"`
}

type HelloErrMsg struct {
	Reason string `cbor:"reason"`
}

// CallMsg carries a method invocation. Args/Kwargs are individually
// codec-encoded blobs, never interpreted by the transport or session
// layers, so the executor can decode each one directly into the target
// method's declared parameter type (see internal/dispatch).
type CallMsg struct {
	MethodName string            `cbor:"method_name"`
	Args       [][]byte          `cbor:"args"`
	Kwargs     map[string][]byte `cbor:"kwargs,omitempty"`
}

type ResultMsg struct {
	Value []byte `cbor:"value"`
}

type RemoteErrMsg struct {
	KindTag string `cbor:"kind_tag"`
	Message string `cbor:"message"`
	Trace   string `cbor:"traceback_text,omitempty"`
}

type PingMsg struct{}

type PongMsg struct {
	PID             int    `cbor:"pid"`
	UptimeMS        int64  `cbor:"uptime_ms"`
	ActiveClients   int    `cbor:"active_clients"`
	CodecID         string `cbor:"codec_id"`
	ProtocolVersion int    `cbor:"protocol_version"`
	QueueDepth      int    `cbor:"queue_depth"`
}

type CloseMsg struct{}

type ShutdownMsg struct {
	Force bool `cbor:"force"`
}

// Session is one authenticated, framed bidirectional channel.
// Writes are serialized internally so concurrent Send calls never
// interleave frame bytes on the wire; Recv is expected to be called from a
// single reader goroutine.
type Session struct {
	conn     net.Conn
	codec    codec.Codec
	maxFrame uint32
	writeMu  sync.Mutex
}

func newSession(conn net.Conn, c codec.Codec, maxFrame uint32) *Session {
	return &Session{conn: conn, codec: c, maxFrame: maxFrame}
}

// Send encodes and writes msg as one frame.
func (s *Session) Send(msg *Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return NewSerializationError(err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(s.conn, data, s.maxFrame); err != nil {
		return NewConnectionFailedError(err)
	}
	return nil
}

// Recv reads and decodes one frame into a Message.
func (s *Session) Recv() (*Message, error) {
	data, err := readFrame(s.conn, s.maxFrame)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := s.codec.Decode(data, &msg); err != nil {
		return nil, NewSerializationError(err)
	}
	return &msg, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// SetDeadline forwards to the underlying connection, used to bound a single
// connect+handshake attempt.
func (s *Session) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// clientHandshake performs the client side of the handshake: send HELLO,
// read exactly one reply frame, and interpret it.
func clientHandshake(conn net.Conn, c codec.Codec, maxFrame uint32, token []byte, timeout time.Duration) (*Session, *HelloOKMsg, error) {
	sess := newSession(conn, c, maxFrame)
	if timeout > 0 {
		_ = sess.SetDeadline(time.Now().Add(timeout))
		defer sess.SetDeadline(time.Time{})
	}

	err := sess.Send(&Message{Kind: KindHello, Hello: &HelloMsg{
		ProtocolVersion: ProtocolVersion,
		Token:           token,
		CodecID:         c.ID(),
	}})
	if err != nil {
		return nil, nil, NewConnectionFailedError(err)
	}

	reply, err := sess.Recv()
	if err != nil {
		return nil, nil, NewConnectionFailedError(err)
	}

	switch reply.Kind {
	case KindHelloOK:
		return sess, reply.HelloOK, nil
	case KindHelloErr:
		sub := reply.HelloErr.Reason
		_ = sess.Close()
		return nil, nil, NewHandshakeError(sub, "daemon rejected HELLO")
	default:
		_ = sess.Close()
		return nil, nil, NewHandshakeError("", fmt.Sprintf("unexpected reply kind %q to HELLO", reply.Kind))
	}
}

// serverHandshake performs the daemon side: read one HELLO frame, validate
// protocol version and token (constant-time compare), and reply. On
// rejection it writes HELLO_ERR and closes the session itself, returning a
// non-nil error so the caller never services a CALL frame on a rejected
// session.
func serverHandshake(conn net.Conn, c codec.Codec, maxFrame uint32, expectedToken []byte, pid int, startedAt time.Time, serverInfo string) (*Session, error) {
	sess := newSession(conn, c, maxFrame)

	msg, err := sess.Recv()
	if err != nil {
		_ = sess.Close()
		return nil, NewConnectionFailedError(err)
	}
	if msg.Kind != KindHello || msg.Hello == nil {
		_ = sess.Close()
		return nil, NewHandshakeError("", "expected HELLO as first frame")
	}

	if msg.Hello.ProtocolVersion != ProtocolVersion {
		_ = sess.Send(&Message{Kind: KindHelloErr, HelloErr: &HelloErrMsg{Reason: SubProtocolMismatch}})
		_ = sess.Close()
		return nil, NewHandshakeError(SubProtocolMismatch, "client protocol version mismatch")
	}
	if subtle.ConstantTimeCompare(msg.Hello.Token, expectedToken) != 1 {
		_ = sess.Send(&Message{Kind: KindHelloErr, HelloErr: &HelloErrMsg{Reason: SubAuthRejected}})
		_ = sess.Close()
		return nil, NewHandshakeError(SubAuthRejected, "auth token rejected")
	}

	if err := sess.Send(&Message{Kind: KindHelloOK, HelloOK: &HelloOKMsg{
		PID:        pid,
		StartedAt:  startedAt,
		ServerInfo: serverInfo,
	}}); err != nil {
		_ = sess.Close()
		return nil, err
	}

	return sess, nil
}
