package daemon

import (
	"sync"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
	"github.com/TovarnovM/loopback-singleton/internal/dispatch"
)

// executionRequest is one queued method invocation: method name, argument
// payloads, and the reply slot it is completed into exactly once.
type executionRequest struct {
	MethodName string
	Args       [][]byte
	Kwargs     map[string][]byte
	reply      chan executionResult
}

type executionResult struct {
	Value     []byte
	RemoteErr *RemoteErrMsg
}

// Executor is the single FIFO queue feeding exactly one worker: no two
// method invocations on the singleton overlap, and enqueue order is total
// order across all sessions.
type Executor struct {
	obj   any
	codec codec.Codec
	queue chan *executionRequest
	stop  chan struct{}
	done  chan struct{}

	mu           sync.Mutex
	shuttingDown bool
}

// NewExecutor builds an Executor bound to obj, the singleton instance
// produced once by the ObjectFactory at daemon startup.
func NewExecutor(obj any, c codec.Codec) *Executor {
	return &Executor{
		obj:   obj,
		codec: c,
		// An unbounded-in-practice buffer: backpressure is implicit via
		// queue depth, reported via PING, not enforced by blocking
		// producers. A generous buffer avoids handler goroutines blocking
		// on enqueue while still surfacing depth via QueueDepth.
		queue: make(chan *executionRequest, 4096),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run drains the queue on the calling goroutine until Shutdown is called.
// Callers invoke this in its own goroutine immediately after NewExecutor.
// Only this goroutine ever reads from e.queue, so the drain-on-shutdown
// below needs no extra synchronization against Submit.
func (e *Executor) Run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			e.drainPending()
			return
		default:
		}

		select {
		case req := <-e.queue:
			req.reply <- e.invoke(req)
		case <-e.stop:
			e.drainPending()
			return
		}
	}
}

// drainPending replies ServerShuttingDownError to every
// queued-but-not-started request still sitting in the queue when shutdown
// began. Whatever the worker was executing when Shutdown was called
// already completed normally before this runs.
func (e *Executor) drainPending() {
	for {
		select {
		case req := <-e.queue:
			req.reply <- executionResult{RemoteErr: &RemoteErrMsg{
				KindTag: KindServerShuttingDown.String(),
				Message: "daemon is shutting down",
			}}
		default:
			return
		}
	}
}

func (e *Executor) invoke(req *executionRequest) executionResult {
	value, err := dispatch.Invoke(e.obj, req.MethodName, e.codec, req.Args, req.Kwargs)
	if err != nil {
		return executionResult{RemoteErr: &RemoteErrMsg{
			KindTag: remoteKindTag(err),
			Message: err.Error(),
		}}
	}

	encoded, err := e.codec.Encode(value)
	if err != nil {
		// A codec failure encoding the result is itself surfaced to the
		// client as a REMOTE_ERROR tagged SerializationError; the call
		// already ran, so the reply must say what happened to its result.
		return executionResult{RemoteErr: &RemoteErrMsg{
			KindTag: KindSerialization.String(),
			Message: err.Error(),
		}}
	}
	return executionResult{Value: encoded}
}

// remoteKindTag produces a best-effort tag identifying the error's kind.
// Go has no exception hierarchy to introspect, so the tag is simply the
// dynamic type name of the returned error.
func remoteKindTag(err error) string {
	return typeName(err)
}

// Submit enqueues req for execution. Returns false if the executor has
// already been shut down, in which case the caller should reply with
// ServerShuttingDownError without ever dispatching the call.
func (e *Executor) Submit(req *executionRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown {
		return false
	}
	e.queue <- req
	return true
}

// RequestShutdown stops accepting new work (future Submit calls fail) and
// signals the worker to drain the queue, without waiting for it. Call Wait
// to block until the drain completes.
func (e *Executor) RequestShutdown() {
	e.mu.Lock()
	e.shuttingDown = true
	e.mu.Unlock()
	close(e.stop)
}

// Wait blocks until the worker has finished draining after RequestShutdown.
func (e *Executor) Wait() { <-e.done }

// Shutdown is RequestShutdown followed by Wait.
func (e *Executor) Shutdown() {
	e.RequestShutdown()
	e.Wait()
}

// QueueDepth reports the number of requests waiting for the worker,
// surfaced via PONG.
func (e *Executor) QueueDepth() int { return len(e.queue) }
