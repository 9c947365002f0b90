package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
	"github.com/google/uuid"
)

// Acceptor accepts sessions, enforces the handshake, and tracks active
// connections. It exposes became-nonzero/became-zero edge signals to the
// lifecycle controller.
type Acceptor struct {
	listener  net.Listener
	token     []byte
	codec     codec.Codec
	maxFrame  uint32
	executor  *Executor
	pid       int
	startedAt time.Time

	onShutdown func(force bool) // wired to Lifecycle.RequestShutdown

	mu            sync.Mutex
	active        int
	conns         map[net.Conn]struct{}
	becameNonZero func()
	becameZero    func()
	wg            sync.WaitGroup
	shuttingDown  atomic.Bool
}

// NewAcceptor wraps an already-bound loopback listener. Binding itself
// happens one level up (see Serve in the daemon entrypoint wiring) because
// the coordinator needs the assigned ephemeral port before metadata can be
// published.
func NewAcceptor(listener net.Listener, token []byte, c codec.Codec, maxFrame uint32, exec *Executor) *Acceptor {
	return &Acceptor{
		listener:  listener,
		token:     token,
		codec:     c,
		maxFrame:  maxFrame,
		executor:  exec,
		pid:       os.Getpid(),
		startedAt: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// OnConnectionEdges wires the became-nonzero/became-zero callbacks the
// lifecycle controller uses to drive its idle timer.
func (a *Acceptor) OnConnectionEdges(nonZero, zero func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.becameNonZero = nonZero
	a.becameZero = zero
}

// OnShutdownRequested wires the SHUTDOWN message kind to the lifecycle
// controller's termination path.
func (a *Acceptor) OnShutdownRequested(fn func(force bool)) {
	a.onShutdown = fn
}

// ActiveConnections reports the current count of authenticated sessions.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Serve runs the accept loop until ctx is cancelled or the listener closes.
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.shuttingDown.Load() || ctx.Err() != nil {
				a.wg.Wait()
				return nil
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		if a.shuttingDown.Load() {
			_ = conn.Close()
			continue
		}
		a.mu.Lock()
		a.conns[conn] = struct{}{}
		a.mu.Unlock()
		a.wg.Add(1)
		go a.handle(ctx, conn)
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
	}()

	sess, err := serverHandshake(conn, a.codec, a.maxFrame, a.token, a.pid, a.startedAt, "loopback-singleton")
	if err != nil {
		log.Printf("[acceptor] handshake rejected from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sess.Close()

	connID := uuid.NewString()
	a.connectionOpened()
	defer a.connectionClosed()

	for {
		msg, err := sess.Recv()
		if err != nil {
			return // client hung up or crashed mid-flight
		}

		switch msg.Kind {
		case KindPing:
			pong := &PongMsg{
				PID:             a.pid,
				UptimeMS:        time.Since(a.startedAt).Milliseconds(),
				ActiveClients:   a.ActiveConnections(),
				CodecID:         a.codec.ID(),
				ProtocolVersion: ProtocolVersion,
				QueueDepth:      a.executor.QueueDepth(),
			}
			if err := sess.Send(&Message{Kind: KindPong, Pong: pong}); err != nil {
				return
			}

		case KindCall:
			if a.shuttingDown.Load() {
				if err := sess.Send(rejectShuttingDown()); err != nil {
					return
				}
				continue
			}
			reply := make(chan executionResult, 1)
			if !a.executor.Submit(&executionRequest{
				MethodName: msg.Call.MethodName,
				Args:       msg.Call.Args,
				Kwargs:     msg.Call.Kwargs,
				reply:      reply,
			}) {
				if err := sess.Send(rejectShuttingDown()); err != nil {
					return
				}
				continue
			}
			res := <-reply
			var out *Message
			if res.RemoteErr != nil {
				out = &Message{Kind: KindRemoteErr, RemoteErr: res.RemoteErr}
			} else {
				out = &Message{Kind: KindResult, Result: &ResultMsg{Value: res.Value}}
			}
			if err := sess.Send(out); err != nil {
				return
			}

		case KindClose:
			_ = sess.Send(&Message{Kind: KindClose})
			return

		case KindShutdown:
			force := msg.Shutdown != nil && msg.Shutdown.Force
			if a.onShutdown != nil {
				a.onShutdown(force)
			}
			_ = sess.Send(&Message{Kind: KindShutdown, Shutdown: &ShutdownMsg{Force: force}})

		default:
			log.Printf("[acceptor] session %s sent unexpected frame kind %q", connID, msg.Kind)
			return
		}
	}
}

func rejectShuttingDown() *Message {
	return &Message{Kind: KindRemoteErr, RemoteErr: &RemoteErrMsg{
		KindTag: KindServerShuttingDown.String(),
		Message: "daemon is shutting down",
	}}
}

func (a *Acceptor) connectionOpened() {
	a.mu.Lock()
	a.active++
	n := a.active
	cb := a.becameNonZero
	a.mu.Unlock()
	if n == 1 && cb != nil {
		cb()
	}
}

func (a *Acceptor) connectionClosed() {
	a.mu.Lock()
	a.active--
	n := a.active
	cb := a.becameZero
	a.mu.Unlock()
	if n == 0 && cb != nil {
		cb()
	}
}

// BeginShutdown stops accepting new sessions (in-flight CALLs already
// dispatched are still awaited to completion by their own handler
// goroutine) and closes the listener.
func (a *Acceptor) BeginShutdown() {
	a.shuttingDown.Store(true)
	_ = a.listener.Close()
}

// CloseSessions force-closes every still-open connection, unblocking
// handlers parked in Recv so shutdown cannot be held hostage by an idle
// client. Frames the client sent after shutdown began receive no response.
func (a *Acceptor) CloseSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.conns {
		_ = conn.Close()
	}
}

// WaitHandlers blocks until every handler goroutine has returned, bounded by
// grace; returns true if all handlers finished within the grace window.
func (a *Acceptor) WaitHandlers(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
