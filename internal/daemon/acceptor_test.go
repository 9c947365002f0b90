package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
	"github.com/stretchr/testify/require"
)

func startTestAcceptor(t *testing.T, obj any, token []byte) (*Acceptor, net.Addr, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := codec.NewCBOR()
	exec := NewExecutor(obj, c)
	go exec.Run()

	a := NewAcceptor(ln, token, c, DefaultMaxFrameBytes, exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Serve(ctx) }()

	cleanup := func() {
		cancel()
		exec.Shutdown()
	}
	return a, ln.Addr(), cleanup
}

func dialAndHandshake(t *testing.T, addr net.Addr, token []byte) *Session {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	sess, _, err := clientHandshake(conn, codec.NewCBOR(), DefaultMaxFrameBytes, token, 2*time.Second)
	require.NoError(t, err)
	return sess
}

func TestAcceptorHandshakeAndCall(t *testing.T) {
	t.Parallel()

	token := []byte("secret-token")
	_, addr, cleanup := startTestAcceptor(t, &testCounter{}, token)
	defer cleanup()

	sess := dialAndHandshake(t, addr, token)
	defer sess.Close()

	require.NoError(t, sess.Send(&Message{Kind: KindCall, Call: &CallMsg{MethodName: "Inc"}}))
	reply, err := sess.Recv()
	require.NoError(t, err)
	require.Equal(t, KindResult, reply.Kind)

	var v int
	require.NoError(t, codec.NewCBOR().Decode(reply.Result.Value, &v))
	require.Equal(t, 1, v)
}

func TestAcceptorRejectsBadToken(t *testing.T) {
	t.Parallel()

	_, addr, cleanup := startTestAcceptor(t, &testCounter{}, []byte("right"))
	defer cleanup()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = clientHandshake(conn, codec.NewCBOR(), DefaultMaxFrameBytes, []byte("wrong"), 2*time.Second)
	require.Error(t, err)
}

func TestAcceptorPingPong(t *testing.T) {
	t.Parallel()

	token := []byte("tok")
	_, addr, cleanup := startTestAcceptor(t, &testCounter{}, token)
	defer cleanup()

	sess := dialAndHandshake(t, addr, token)
	defer sess.Close()

	require.NoError(t, sess.Send(&Message{Kind: KindPing, Ping: &PingMsg{}}))
	reply, err := sess.Recv()
	require.NoError(t, err)
	require.Equal(t, KindPong, reply.Kind)
	require.Equal(t, ProtocolVersion, reply.Pong.ProtocolVersion)
}

func TestAcceptorConnectionEdgeSignals(t *testing.T) {
	t.Parallel()

	token := []byte("tok")
	a, addr, cleanup := startTestAcceptor(t, &testCounter{}, token)
	defer cleanup()

	nonZero := make(chan struct{}, 1)
	zero := make(chan struct{}, 1)
	a.OnConnectionEdges(func() { nonZero <- struct{}{} }, func() { zero <- struct{}{} })

	sess := dialAndHandshake(t, addr, token)

	select {
	case <-nonZero:
	case <-time.After(time.Second):
		t.Fatal("expected became-nonzero signal")
	}

	sess.Close()

	select {
	case <-zero:
	case <-time.After(time.Second):
		t.Fatal("expected became-zero signal")
	}
}

func TestAcceptorCloseMessageEndsSession(t *testing.T) {
	t.Parallel()

	token := []byte("tok")
	_, addr, cleanup := startTestAcceptor(t, &testCounter{}, token)
	defer cleanup()

	sess := dialAndHandshake(t, addr, token)
	defer sess.Close()

	require.NoError(t, sess.Send(&Message{Kind: KindClose, Close: &CloseMsg{}}))
	reply, err := sess.Recv()
	require.NoError(t, err)
	require.Equal(t, KindClose, reply.Kind)

	_, err = sess.Recv()
	require.Error(t, err)
}
