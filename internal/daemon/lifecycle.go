package daemon

import (
	"context"
	"log"
	"sync"
	"time"
)

// State is a node in the daemon lifecycle state machine: Starting, Serving
// (busy or idle), Stopping, Exited.
type State int

const (
	StateStarting State = iota
	StateServingBusy
	StateServingIdle
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateServingBusy:
		return "ServingBusy"
	case StateServingIdle:
		return "ServingIdle"
	case StateStopping:
		return "Stopping"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Lifecycle owns the daemon's idle-TTL timer and graceful-shutdown
// sequencing. It is wired to the Acceptor's connection-edge signals: a
// became-nonzero edge cancels the idle timer and moves to ServingBusy; a
// became-zero edge arms a fresh IdleTTL timer and moves to ServingIdle. The
// timer firing, or an explicit RequestShutdown call (from SHUTDOWN or a
// process signal), drives the Stopping -> Exited transition exactly once.
type Lifecycle struct {
	acceptor *Acceptor
	executor *Executor
	rtdir    *RuntimeDir
	idleTTL  time.Duration

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	exited chan struct{}
	once   sync.Once
}

// NewLifecycle builds a Lifecycle in StateStarting. Call Attach once the
// Acceptor is constructed to wire the edge signals, then MarkServing once it
// accepts; Done is closed on exit.
func NewLifecycle(exec *Executor, rtdir *RuntimeDir, idleTTL time.Duration) *Lifecycle {
	return &Lifecycle{
		executor: exec,
		rtdir:    rtdir,
		idleTTL:  idleTTL,
		state:    StateStarting,
		exited:   make(chan struct{}),
	}
}

// Attach wires this Lifecycle to acceptor's connection-edge and
// SHUTDOWN-message signals. Call once, before Acceptor.Serve starts.
func (l *Lifecycle) Attach(a *Acceptor) {
	l.acceptor = a
	a.OnConnectionEdges(l.onBusy, l.onIdle)
	a.OnShutdownRequested(func(force bool) { l.RequestShutdown(force) })
}

// State reports the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) onBusy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopping || l.state == StateExited {
		return
	}
	l.stopTimerLocked()
	l.state = StateServingBusy
}

func (l *Lifecycle) onIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopping || l.state == StateExited {
		return
	}
	l.state = StateServingIdle
	l.armTimerLocked()
}

// MarkServing transitions Starting -> ServingIdle once the acceptor is up,
// arming the first idle timer. Call after Serve begins accepting.
func (l *Lifecycle) MarkServing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting {
		return
	}
	l.state = StateServingIdle
	l.armTimerLocked()
}

func (l *Lifecycle) armTimerLocked() {
	l.stopTimerLocked()
	l.timer = time.AfterFunc(l.idleTTL, func() {
		log.Printf("[lifecycle] idle TTL of %s elapsed, shutting down", l.idleTTL)
		l.RequestShutdown(false)
	})
}

func (l *Lifecycle) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// RequestShutdown begins graceful teardown exactly once: stop accepting new
// sessions, await in-flight handler replies within a grace window, drain
// the executor queue, unlink the published metadata and token under the
// runtime-directory lock, then signal Exited. force shrinks the grace
// window before open sessions are force-closed.
func (l *Lifecycle) RequestShutdown(force bool) {
	l.once.Do(func() {
		go l.shutdownSequence(force)
	})
}

// Done reports a channel closed once the shutdown sequence has fully
// completed (state == Exited).
func (l *Lifecycle) Done() <-chan struct{} { return l.exited }

func (l *Lifecycle) shutdownSequence(force bool) {
	l.mu.Lock()
	l.stopTimerLocked()
	l.state = StateStopping
	l.mu.Unlock()

	log.Printf("[lifecycle] stopping (force=%v)", force)

	if l.acceptor != nil {
		grace := 5 * time.Second
		if force {
			grace = 500 * time.Millisecond
		}
		l.acceptor.BeginShutdown()
		if !l.acceptor.WaitHandlers(grace) {
			// Handlers still alive are parked in Recv on sessions whose
			// clients never hung up. Their in-flight replies (if any) got
			// the full grace window; past it, the sockets go away.
			log.Printf("[lifecycle] handler drain exceeded %s grace window, closing sessions", grace)
			l.acceptor.CloseSessions()
			_ = l.acceptor.WaitHandlers(time.Second)
		}
	}

	l.executor.Shutdown()

	if l.rtdir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		release, err := l.rtdir.Lock(ctx)
		cancel()
		if err != nil {
			log.Printf("[lifecycle] failed to acquire lock for cleanup: %v", err)
		} else {
			if err := l.rtdir.Clear(); err != nil {
				log.Printf("[lifecycle] failed to clear runtime dir: %v", err)
			}
			release()
		}
	}

	l.mu.Lock()
	l.state = StateExited
	l.mu.Unlock()
	close(l.exited)
}
