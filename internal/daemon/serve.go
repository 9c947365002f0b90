package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
)

// ErrLostStartupRace is returned by Serve when another process won the
// bounded lock-arbitration race and already published live metadata.
// Losing is benign (exactly one daemon is now serving, which is all the
// at-most-one invariant requires), but the entrypoint still exits with a
// dedicated nonzero code so the two outcomes are distinguishable.
var ErrLostStartupRace = errors.New("daemon: another process is already serving this name")

// ErrPublishFailed marks a failure to write the token or metadata record
// during startup. The entrypoint maps it to its own exit code so a human
// reading a dead daemon's status can tell "lost the race" from "could not
// publish".
var ErrPublishFailed = errors.New("daemon: publishing runtime metadata failed")

// ServeOptions configures a daemon process's entire lifetime: bind, win (or
// lose) the startup arbitration race, publish metadata, and serve until
// ctx is cancelled or idle-TTL elapses.
type ServeOptions struct {
	Name          string
	RuntimeDir    string // fully resolved path, as produced by RuntimeDirEnvVar
	Token         []byte
	Obj           any
	CodecID       string
	MaxFrameBytes uint32
	IdleTTL       time.Duration
}

// Serve runs the daemon side of the protocol end to end: startup
// arbitration, acceptor, executor, and lifecycle, until ctx is cancelled
// or the idle-TTL lifecycle decides to exit. Because the listen port is
// ephemeral and OS-assigned, the port itself can't be the rendezvous
// point; the lock file is the sole arbitration primitive, and a losing
// sibling recognizes defeat by finding a live peer already publishing
// metadata rather than by a failed bind.
func Serve(ctx context.Context, opts ServeOptions) error {
	if opts.CodecID == "" {
		opts.CodecID = "cbor"
	}
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}

	c, ok := codec.Lookup(opts.CodecID)
	if !ok {
		return fmt.Errorf("daemon: unknown codec %q", opts.CodecID)
	}

	rtdir, err := NewRuntimeDir(opts.RuntimeDir, "")
	if err != nil {
		return err
	}

	ln, won, err := arbitrateStartup(ctx, rtdir, opts, c)
	if err != nil {
		return err
	}
	if !won {
		return ErrLostStartupRace
	}

	exec := NewExecutor(opts.Obj, c)
	go exec.Run()

	a := NewAcceptor(ln, opts.Token, c, opts.MaxFrameBytes, exec)
	lc := NewLifecycle(exec, rtdir, opts.IdleTTL)
	lc.Attach(a)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- a.Serve(ctx) }()
	lc.MarkServing()

	log.Printf("[daemon] serving %q on %s (pid %d)", opts.Name, ln.Addr(), os.Getpid())

	select {
	case <-ctx.Done():
		lc.RequestShutdown(false)
		<-lc.Done()
		return ctx.Err()
	case <-lc.Done():
		return nil
	case err := <-serveErrCh:
		lc.RequestShutdown(false)
		<-lc.Done()
		return err
	}
}

// arbitrateStartup is the daemon-side half of connect-or-spawn coordination:
// every freshly spawned process competes for the same lock file the
// coordinator used, but only narrowly, and only the winner binds a listener
// and publishes metadata. Losers discover a live sibling already publishing
// and exit cleanly rather than erroring.
func arbitrateStartup(ctx context.Context, rtdir *RuntimeDir, opts ServeOptions, c codec.Codec) (net.Listener, bool, error) {
	deadline := time.Now().Add(5 * time.Second)
	backoff := 10 * time.Millisecond
	const maxBackoff = 100 * time.Millisecond

	for {
		release, ok, err := rtdir.TryLock()
		if err != nil {
			return nil, false, fmt.Errorf("daemon: arbitrating startup: %w", err)
		}
		if ok {
			defer release()

			if meta, ok := rtdir.ReadMetadata(); ok && peerIsLive(meta) {
				return nil, false, nil // a sibling published first; we lost
			}

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return nil, false, fmt.Errorf("daemon: binding loopback listener: %w", err)
			}

			if err := rtdir.WriteToken(opts.Token); err != nil {
				ln.Close()
				return nil, false, fmt.Errorf("%w: writing auth token: %v", ErrPublishFailed, err)
			}

			port := ln.Addr().(*net.TCPAddr).Port
			if err := rtdir.PublishMetadata(&Metadata{
				ProtocolVersion: ProtocolVersion,
				PID:             os.Getpid(),
				Host:            "127.0.0.1",
				Port:            port,
				ServiceName:     opts.Name,
				CodecID:         c.ID(),
				StartedAt:       time.Now(),
			}); err != nil {
				ln.Close()
				return nil, false, fmt.Errorf("%w: %v", ErrPublishFailed, err)
			}

			return ln, true, nil
		}

		// Another process currently holds the lock: either a coordinator
		// doing its own narrow read-retry window, or a sibling daemon
		// publishing. Back off and try again until one of them finishes.
		if time.Now().After(deadline) {
			return nil, false, fmt.Errorf("daemon: timed out arbitrating startup")
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// peerIsLive reports whether meta describes a daemon that actually answers,
// distinguishing a sibling that genuinely won the race from a crashed
// process's stale record left over from a previous generation.
func peerIsLive(meta *Metadata) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(meta.Host, fmt.Sprint(meta.Port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
