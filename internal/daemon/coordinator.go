package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
)

// TokenEnvVar is the environment variable the coordinator uses to hand the
// freshly generated auth token to a spawned daemon process. Never argv,
// where it would be visible in other users' process listings.
const TokenEnvVar = "LOOPBACK_SINGLETON_TOKEN"

// RuntimeDirEnvVar carries the fully resolved runtime directory path (base
// joined with name) so the spawned daemon entrypoint opens the exact same
// RuntimeDir the coordinator used, via NewRuntimeDir(path, "").
const RuntimeDirEnvVar = "LOOPBACK_SINGLETON_RUNTIME_DIR"

// FactoryRefEnvVar carries the opaque factory reference the daemon
// entrypoint resolves via internal/objectfactory.
const FactoryRefEnvVar = "LOOPBACK_SINGLETON_FACTORY_REF"

// ServiceNameEnvVar carries the logical singleton name, so the spawned
// entrypoint can label metadata and logs without a matching --name flag.
const ServiceNameEnvVar = "LOOPBACK_SINGLETON_NAME"

// CodecIDEnvVar carries the codec id the connecting client negotiated. The
// spawned daemon must speak the same codec as the client that spawned it or
// the post-spawn handshake can never succeed, so this one always wins over
// the daemon's machine-wide config.
const CodecIDEnvVar = "LOOPBACK_SINGLETON_CODEC_ID"

// MaxFrameBytesEnvVar carries the frame-size cap the connecting client
// uses, for the same must-agree reason as CodecIDEnvVar.
const MaxFrameBytesEnvVar = "LOOPBACK_SINGLETON_MAX_FRAME_BYTES"

// IdleTTLEnvVar carries the idle TTL in milliseconds, set only when the
// caller configured one explicitly; otherwise the daemon's machine-wide
// config governs.
const IdleTTLEnvVar = "LOOPBACK_SINGLETON_IDLE_TTL_MS"

// Connect implements the client side of connect-or-spawn coordination: try
// an existing daemon via cached metadata, clean up stale records, spawn a
// new daemon if none is reachable, and poll until it is. The runtime
// directory lock is held only across the narrow read-retry-cleanup window;
// it is released before spawning so the winning daemon process can itself
// acquire it to publish metadata (see serve.go's startup arbitration),
// which would otherwise deadlock against a client still holding the lock.
func Connect(ctx context.Context, cfg Config) (*Session, *HelloOKMsg, error) {
	explicitIdleTTL := cfg.IdleTTL
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	rtdir, err := NewRuntimeDir(cfg.RuntimeDir, cfg.Name)
	if err != nil {
		return nil, nil, err
	}

	c, ok := codec.Lookup(cfg.CodecID)
	if !ok {
		return nil, nil, fmt.Errorf("daemon: unknown codec %q", cfg.CodecID)
	}

	if sess, hello, ok := tryConnectExisting(rtdir, c, cfg); ok {
		return sess, hello, nil
	}

	release, err := rtdir.Lock(ctx)
	if err != nil {
		return nil, nil, NewConnectionFailedError(err)
	}

	if sess, hello, ok := tryConnectExisting(rtdir, c, cfg); ok {
		release()
		return sess, hello, nil
	}
	// Metadata (if any) pointed nowhere live: clear it so a crashed
	// daemon's stale record can't wedge every future Connect call.
	_ = rtdir.Clear()
	release()

	// The token crosses into the spawned process through an environment
	// variable, which cannot carry arbitrary bytes (NULs truncate), so the
	// credential is the hex text of 16 random bytes: still 128 bits of
	// entropy, env- and file-safe.
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, fmt.Errorf("daemon: generating auth token: %w", err)
	}
	token := []byte(hex.EncodeToString(raw))

	if err := spawn(cfg, explicitIdleTTL, rtdir, token); err != nil {
		return nil, nil, fmt.Errorf("daemon: spawning daemon process: %w", err)
	}

	return pollUntilServing(ctx, rtdir, c, cfg)
}

// tryConnectExisting reads current metadata and attempts one connect +
// handshake against it. A reachable, handshake-accepting daemon is the
// common case; anything else (no metadata, connection refused, rejected
// handshake) is treated uniformly as "no daemon here right now."
func tryConnectExisting(rtdir *RuntimeDir, c codec.Codec, cfg Config) (*Session, *HelloOKMsg, bool) {
	meta, ok := rtdir.ReadMetadata()
	if !ok {
		return nil, nil, false
	}
	token, err := rtdir.ReadToken()
	if err != nil {
		return nil, nil, false
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(meta.Host, strconv.Itoa(meta.Port)), cfg.ConnectTimeout)
	if err != nil {
		return nil, nil, false
	}

	sess, hello, err := clientHandshake(conn, c, cfg.MaxFrameBytes, token, cfg.ConnectTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, nil, false
	}
	return sess, hello, true
}

// pollUntilServing retries tryConnectExisting with bounded exponential
// backoff (10ms floor, 100ms cap) until a spawned daemon publishes metadata
// and accepts the handshake, or ctx expires.
func pollUntilServing(ctx context.Context, rtdir *RuntimeDir, c codec.Codec, cfg Config) (*Session, *HelloOKMsg, error) {
	backoff := 10 * time.Millisecond
	const maxBackoff = 100 * time.Millisecond

	for {
		if sess, hello, ok := tryConnectExisting(rtdir, c, cfg); ok {
			return sess, hello, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, NewConnectionFailedError(fmt.Errorf("daemon: timed out waiting for spawned daemon: %w", ctx.Err()))
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// spawn launches the daemon entrypoint detached from the coordinator's
// process group (so it outlives the client that spawned it), handing it
// the auth token, runtime directory, factory reference, and wire settings
// via environment rather than argv. explicitIdleTTL is forwarded only when
// the caller set one; left zero, the daemon's own machine-wide config
// governs.
func spawn(cfg Config, explicitIdleTTL time.Duration, rtdir *RuntimeDir, token []byte) error {
	if len(cfg.DaemonCommand) == 0 {
		return fmt.Errorf("daemon: Config.DaemonCommand is empty, nothing to spawn")
	}

	cmd := exec.Command(cfg.DaemonCommand[0], cfg.DaemonCommand[1:]...)
	cmd.Env = append(os.Environ(),
		TokenEnvVar+"="+string(token),
		RuntimeDirEnvVar+"="+rtdirBasePath(rtdir),
		FactoryRefEnvVar+"="+cfg.FactoryRef,
		ServiceNameEnvVar+"="+cfg.Name,
		CodecIDEnvVar+"="+cfg.CodecID,
		MaxFrameBytesEnvVar+"="+strconv.FormatUint(uint64(cfg.MaxFrameBytes), 10),
	)
	if explicitIdleTTL > 0 {
		cmd.Env = append(cmd.Env, IdleTTLEnvVar+"="+strconv.FormatInt(explicitIdleTTL.Milliseconds(), 10))
	}
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	log.Printf("[coordinator] spawned daemon pid=%d for %q", cmd.Process.Pid, cfg.Name)
	// Release the OS process handle without waiting: the daemon is meant
	// to outlive this call, so it must not become our child to reap.
	return cmd.Process.Release()
}

func rtdirBasePath(r *RuntimeDir) string { return r.path }
