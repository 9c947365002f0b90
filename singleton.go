// Package singleton is the library's importable surface: a client obtains a
// Proxy via Open, which transparently finds or spawns the singleton daemon
// for a given logical Name and serializes Call invocations against it over
// a loopback TCP session.
package singleton

import (
	"context"
	"fmt"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
	"github.com/TovarnovM/loopback-singleton/internal/daemon"
)

// Options configures Open. Name is required; everything else has a
// reasonable default (see daemon.Config.WithDefaults).
type Options struct {
	// Name is the logical singleton namespace: callers with the same Name
	// and RuntimeDir share one daemon process.
	Name string

	// RuntimeDir overrides the default platform runtime directory.
	RuntimeDir string

	// DaemonCommand is argv used to spawn the daemon entrypoint when no
	// live daemon is found, e.g. []string{os.Args[0], "serve"}.
	DaemonCommand []string

	// FactoryRef selects which object the spawned daemon constructs,
	// resolved through internal/objectfactory.
	FactoryRef string

	ConnectTimeout time.Duration
	StartTimeout   time.Duration
	IdleTTL        time.Duration
	MaxFrameBytes  uint32
	CodecID        string
}

func (o Options) toConfig() daemon.Config {
	return daemon.Config{
		Name:           o.Name,
		RuntimeDir:     o.RuntimeDir,
		DaemonCommand:  o.DaemonCommand,
		FactoryRef:     o.FactoryRef,
		ConnectTimeout: o.ConnectTimeout,
		StartTimeout:   o.StartTimeout,
		IdleTTL:        o.IdleTTL,
		MaxFrameBytes:  o.MaxFrameBytes,
		CodecID:        o.CodecID,
	}
}

// Proxy is a live, authenticated session against the singleton daemon.
// Call serializes one method invocation at a time across the wire; the
// daemon's executor further serializes it against every other client.
// A Proxy is not safe for concurrent use from multiple goroutines; callers
// needing that should open one Proxy per goroutine, matching the protocol's
// one-session-per-TCP-connection model.
type Proxy struct {
	sess  *daemon.Session
	codec codec.Codec
	pid   int
}

// Open finds or spawns the singleton daemon named by opts.Name and returns
// an authenticated Proxy to it.
func Open(ctx context.Context, opts Options) (*Proxy, error) {
	cfg := opts.toConfig().WithDefaults()
	sess, hello, err := daemon.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, ok := codec.Lookup(cfg.CodecID)
	if !ok {
		_ = sess.Close()
		return nil, fmt.Errorf("singleton: unknown codec %q", cfg.CodecID)
	}
	return &Proxy{sess: sess, codec: c, pid: hello.PID}, nil
}

// PID returns the process ID of the daemon serving this Proxy's session.
func (p *Proxy) PID() int { return p.pid }

// Call invokes method on the singleton object, encoding each element of
// args with the negotiated codec and decoding the result into the type of
// result's pointee. Pass a nil result to discard the return value.
//
// Codec, transport and daemon-reported failures are *daemon.Error values;
// use errors.As to inspect Kind. A reply of an unexpected kind is reported
// as a plain error.
func (p *Proxy) Call(ctx context.Context, method string, result any, args ...any) error {
	encodedArgs := make([][]byte, len(args))
	for i, a := range args {
		data, err := p.codec.Encode(a)
		if err != nil {
			return daemon.NewSerializationError(err)
		}
		encodedArgs[i] = data
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = p.sess.SetDeadline(deadline)
		defer p.sess.SetDeadline(time.Time{})
	}

	if err := p.sess.Send(&daemon.Message{
		Kind: daemon.KindCall,
		Call: &daemon.CallMsg{MethodName: method, Args: encodedArgs},
	}); err != nil {
		return err
	}

	reply, err := p.sess.Recv()
	if err != nil {
		// The reply is abandoned, whether the daemon died or the ctx
		// deadline fired first. Either way the session closes: a late
		// reply arriving on a reused connection would pair with the
		// wrong request, and the method may still complete server-side
		// regardless. Never auto-retried.
		_ = p.sess.Close()
		return daemon.NewServerCrashedError(err)
	}

	switch reply.Kind {
	case daemon.KindResult:
		if result == nil || reply.Result == nil {
			return nil
		}
		if err := p.codec.Decode(reply.Result.Value, result); err != nil {
			return daemon.NewSerializationError(err)
		}
		return nil
	case daemon.KindRemoteErr:
		return daemon.ErrorFromRemote(reply.RemoteErr)
	default:
		return fmt.Errorf("singleton: unexpected reply kind %q", reply.Kind)
	}
}

// Ping round-trips a PING/PONG exchange, returning the daemon's reported
// uptime, active client count, and executor queue depth.
func (p *Proxy) Ping(ctx context.Context) (*daemon.PongMsg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.sess.SetDeadline(deadline)
		defer p.sess.SetDeadline(time.Time{})
	}
	if err := p.sess.Send(&daemon.Message{Kind: daemon.KindPing, Ping: &daemon.PingMsg{}}); err != nil {
		return nil, err
	}
	reply, err := p.sess.Recv()
	if err != nil {
		_ = p.sess.Close()
		return nil, daemon.NewServerCrashedError(err)
	}
	if reply.Kind != daemon.KindPong {
		return nil, fmt.Errorf("singleton: unexpected reply kind %q to PING", reply.Kind)
	}
	return reply.Pong, nil
}

// Shutdown asks the daemon to begin graceful shutdown. force shortens the
// grace window open sessions get before the daemon closes them; see
// daemon.Lifecycle.RequestShutdown.
func (p *Proxy) Shutdown(ctx context.Context, force bool) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.sess.SetDeadline(deadline)
		defer p.sess.SetDeadline(time.Time{})
	}
	if err := p.sess.Send(&daemon.Message{Kind: daemon.KindShutdown, Shutdown: &daemon.ShutdownMsg{Force: force}}); err != nil {
		return err
	}
	_, err := p.sess.Recv()
	return err
}

// Close sends CLOSE and releases the underlying connection. Safe to call
// without a prior CLOSE round-trip from the peer.
func (p *Proxy) Close() error {
	_ = p.sess.Send(&daemon.Message{Kind: daemon.KindClose, Close: &daemon.CloseMsg{}})
	return p.sess.Close()
}

// CloseConnOnly drops the underlying connection without sending CLOSE,
// simulating a client process crashing mid-session. Exported for tests
// that need to exercise the daemon's handling of an ungraceful disconnect.
func (p *Proxy) CloseConnOnly() error {
	return p.sess.Close()
}
