package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Metadata is the published descriptor of a live daemon. It is always
// encoded as JSON, a stable format independent of whichever Codec is
// negotiated for payloads, so any client can read it before a session
// exists.
type Metadata struct {
	ProtocolVersion int       `json:"protocol_version"`
	PID             int       `json:"pid"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	ServiceName     string    `json:"service_name"`
	CodecID         string    `json:"codec_id"`
	StartedAt       time.Time `json:"started_at"`
}

// RuntimeDir is the filesystem namespace for one logical name: the
// metadata record, the auth token, and the advisory lock file that guards
// mutations of the first two. Reads are lock-free; Publish/Clear must run
// under Lock.
type RuntimeDir struct {
	path string
}

// RuntimeBaseDir returns the platform runtime-directory base used when
// Config.RuntimeDir is left empty: $XDG_RUNTIME_DIR when set (Linux), else
// a per-user subdirectory of os.TempDir().
func RuntimeBaseDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "loopback-singleton")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("loopback-singleton-%d", os.Getuid()))
}

// NewRuntimeDir resolves the runtime directory for name under base
// (base == "" uses RuntimeBaseDir()), creating it with owner-only
// permissions if missing.
func NewRuntimeDir(base, name string) (*RuntimeDir, error) {
	if base == "" {
		base = RuntimeBaseDir()
	}
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("daemon: creating runtime dir %s: %w", path, err)
	}
	return &RuntimeDir{path: path}, nil
}

func (r *RuntimeDir) metadataPath() string { return filepath.Join(r.path, "metadata") }
func (r *RuntimeDir) tokenPath() string    { return filepath.Join(r.path, "auth") }
func (r *RuntimeDir) lockPath() string     { return filepath.Join(r.path, "lock") }

// ReadMetadata returns the current metadata record. The second return value
// is false whenever the record is missing, unreadable, or fails to parse:
// such failures are promoted to "stale", never fatal to the caller.
func (r *RuntimeDir) ReadMetadata() (*Metadata, bool) {
	data, err := os.ReadFile(r.metadataPath())
	if err != nil {
		return nil, false
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// PublishMetadata atomically replaces the metadata record (write-to-temp,
// then rename). Caller must hold the lock.
func (r *RuntimeDir) PublishMetadata(m *Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("daemon: marshaling metadata: %w", err)
	}
	return r.atomicWrite(r.metadataPath(), data, 0o644)
}

// ReadToken returns the raw token bytes, or an error if missing/unreadable.
func (r *RuntimeDir) ReadToken() ([]byte, error) {
	data, err := os.ReadFile(r.tokenPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: reading token: %w", err)
	}
	return data, nil
}

// WriteToken persists tok with the most restrictive permissions the host OS
// supports. Caller must hold the lock. Must happen before PublishMetadata
// so no client can ever observe a record without its token.
func (r *RuntimeDir) WriteToken(tok []byte) error {
	return r.atomicWrite(r.tokenPath(), tok, 0o600)
}

// Clear unlinks the metadata record and auth token, not the lock file,
// which persists across daemon generations. Caller must hold the lock.
// Idempotent: missing files are not an error.
func (r *RuntimeDir) Clear() error {
	for _, p := range []string{r.metadataPath(), r.tokenPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("daemon: removing %s: %w", p, err)
		}
	}
	return nil
}

// Lock acquires the exclusive lock that represents the right to mutate the
// runtime record, bounded by ctx, and returns a release function guaranteed
// safe to call exactly once. Callers must `defer release()` immediately so
// the lock is released on every exit path, including panics.
func (r *RuntimeDir) Lock(ctx context.Context) (release func(), err error) {
	fl := flock.New(r.lockPath())
	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("daemon: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon: timed out acquiring lock")
	}
	return func() { _ = fl.Unlock() }, nil
}

// TryLock attempts a single non-blocking acquisition, used by the daemon's
// own startup arbitration (see serve.go), where blocking would risk
// deadlocking against a coordinator that still holds the lock.
func (r *RuntimeDir) TryLock() (release func(), ok bool, err error) {
	fl := flock.New(r.lockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("daemon: trying lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = fl.Unlock() }, true, nil
}

func (r *RuntimeDir) atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(r.path, ".tmp-*")
	if err != nil {
		return fmt.Errorf("daemon: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("daemon: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("daemon: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("daemon: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("daemon: renaming into place: %w", err)
	}
	return nil
}
