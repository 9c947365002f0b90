// Package daemon implements the connect-or-spawn coordination protocol,
// the sequential-executor daemon, and its idle-TTL lifecycle: the three
// load-bearing pieces of a local-singleton implementation. Everything
// outside this package (the factory, the wire codec, CLI ergonomics) is an
// external collaborator consumed through a narrow interface.
package daemon

import (
	"errors"
	"time"
)

// ProtocolVersion is the wire-protocol version negotiated during HELLO.
// Bumping it is a breaking change: old and new daemons refuse each other's
// clients with HELLO_ERR{ProtocolMismatch}.
const ProtocolVersion = 1

// DefaultMaxFrameBytes is the cap applied when Config.MaxFrameBytes is left
// at zero: 16 MiB.
const DefaultMaxFrameBytes = 16 << 20

// Config carries what a client and the daemon it may spawn both need to
// agree on: the logical name, the runtime directory, how to launch the
// daemon entrypoint, and the timeouts and wire limits.
type Config struct {
	// Name is the logical name selecting the singleton namespace.
	Name string

	// RuntimeDir is the base runtime directory for this name's metadata,
	// auth token, and lock file. Left empty, it defaults to a per-user
	// subdirectory of the platform runtime directory (see RuntimeBaseDir).
	RuntimeDir string

	// DaemonCommand is argv used to spawn the daemon entrypoint, e.g.
	// []string{os.Args[0], "serve"}. The coordinator hands everything
	// else (name, runtime directory, factory reference, auth token, wire
	// settings) to the child via environment variables, never argv, so
	// the token is invisible to other users' process listings.
	DaemonCommand []string

	// FactoryRef is the opaque factory reference forwarded to the daemon
	// entrypoint, which resolves it via internal/objectfactory.
	FactoryRef string

	// ConnectTimeout bounds a single connect+handshake attempt.
	ConnectTimeout time.Duration

	// StartTimeout bounds the entire connect-or-spawn cycle.
	StartTimeout time.Duration

	// IdleTTL is how long the daemon waits at zero active connections
	// before starting graceful shutdown.
	IdleTTL time.Duration

	// MaxFrameBytes caps a single frame's payload length.
	MaxFrameBytes uint32

	// CodecID selects the negotiated payload codec (see internal/codec).
	CodecID string
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their defaults.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.CodecID == "" {
		c.CodecID = "cbor"
	}
	return c
}

// Validate checks the fields required for both client and daemon use.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("daemon: name is required")
	}
	return nil
}
