package singleton_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	singleton "github.com/TovarnovM/loopback-singleton"
	"github.com/TovarnovM/loopback-singleton/internal/daemon"
	"github.com/TovarnovM/loopback-singleton/internal/examples"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperProcessEnvVar, when set to "1", tells TestMain to act as the daemon
// entrypoint instead of running the test suite. This is the standard
// self-exec test harness (the same trick the standard library's own
// os/exec tests use) for getting a real child process without a second
// compiled binary.
const helperProcessEnvVar = "LOOPBACK_SINGLETON_E2E_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperProcessEnvVar) == "1" {
		runHelperDaemon()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperDaemon() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	name := os.Getenv(daemon.ServiceNameEnvVar)
	token := os.Getenv(daemon.TokenEnvVar)
	runtimeDir := os.Getenv(daemon.RuntimeDirEnvVar)
	factoryRef := os.Getenv(daemon.FactoryRefEnvVar)

	obj, err := resolveHelperObject(factoryRef)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	idleTTL := 10 * time.Minute
	if s := os.Getenv(daemon.IdleTTLEnvVar); s != "" {
		if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
			idleTTL = time.Duration(ms) * time.Millisecond
		}
	}

	err = daemon.Serve(ctx, daemon.ServeOptions{
		Name:       name,
		RuntimeDir: runtimeDir,
		Token:      []byte(token),
		Obj:        obj,
		IdleTTL:    idleTTL,
	})
	if err != nil && err != daemon.ErrLostStartupRace {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveHelperObject(ref string) (any, error) {
	if ref == examples.CounterFactoryRef {
		return &examples.Counter{}, nil
	}
	return nil, fmt.Errorf("unknown factory ref %q", ref)
}

// helperOptions builds Options that spawn this same test binary as the
// daemon, re-entering runHelperDaemon via helperProcessEnvVar.
func helperOptions(t *testing.T, name string, idleTTLMS int) singleton.Options {
	t.Helper()
	t.Setenv(helperProcessEnvVar, "1")

	self, err := os.Executable()
	require.NoError(t, err)

	return singleton.Options{
		Name:          name,
		RuntimeDir:    t.TempDir(),
		DaemonCommand: []string{self, "-test.run=^$"},
		FactoryRef:    examples.CounterFactoryRef,
		StartTimeout:  5 * time.Second,
		IdleTTL:       time.Duration(idleTTLMS) * time.Millisecond,
	}
}

func TestE2EColdStart(t *testing.T) {
	opts := helperOptions(t, "e2e-coldstart", 0)

	proxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	defer proxy.Close()

	var v int
	require.NoError(t, proxy.Call(context.Background(), "Inc", &v))
	assert.Equal(t, 1, v)
}

func TestE2ERaceSpawnConvergesOnOneDaemon(t *testing.T) {
	opts := helperOptions(t, "e2e-race", 0)

	const n = 8
	var wg sync.WaitGroup
	pids := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proxy, err := singleton.Open(context.Background(), opts)
			errs[i] = err
			if err == nil {
				pids[i] = proxy.PID()
				proxy.Close()
			}
		}(i)
	}
	wg.Wait()

	var firstPID int
	for i, err := range errs {
		require.NoError(t, err)
		if i == 0 {
			firstPID = pids[i]
		}
		assert.Equal(t, firstPID, pids[i], "every client should have reached the same daemon process")
	}
}

func TestE2EIdleShutdownThenRespawn(t *testing.T) {
	opts := helperOptions(t, "e2e-idle", 100)

	proxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	firstPID := proxy.PID()
	require.NoError(t, proxy.Close())

	// With no active connections the daemon's idle timer should fire well
	// within this window and the process should exit, clearing metadata.
	time.Sleep(750 * time.Millisecond)

	proxy2, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	defer proxy2.Close()
	assert.NotEqual(t, firstPID, proxy2.PID(), "a fresh daemon should have been spawned after idle shutdown")
}

func TestE2EStaleMetadataIsRecovered(t *testing.T) {
	opts := helperOptions(t, "e2e-stale", 0)

	rtdir, err := daemon.NewRuntimeDir(opts.RuntimeDir, opts.Name)
	require.NoError(t, err)
	require.NoError(t, rtdir.WriteToken([]byte("stale-token")))
	require.NoError(t, rtdir.PublishMetadata(&daemon.Metadata{
		ProtocolVersion: daemon.ProtocolVersion,
		PID:             999999,
		Host:            "127.0.0.1",
		Port:            1, // nothing listens here
		ServiceName:     opts.Name,
		CodecID:         "cbor",
		StartedAt:       time.Now().Add(-time.Hour),
	}))

	proxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	defer proxy.Close()

	var v int
	require.NoError(t, proxy.Call(context.Background(), "Inc", &v))
	assert.Equal(t, 1, v)
}

func TestE2EClientCrashWithoutCloseDoesNotWedgeDaemon(t *testing.T) {
	opts := helperOptions(t, "e2e-crash", 0)

	proxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	defer proxy.Close()

	var v int
	require.NoError(t, proxy.Call(context.Background(), "Inc", &v))
	assert.Equal(t, 1, v)

	// Simulate a second client crashing mid-session: open its own
	// authenticated session, make a call, then drop the connection without
	// sending CLOSE. The daemon's accept loop must notice the read failure
	// and release its connection-count slot rather than leaking it or
	// wedging the executor.
	ghostProxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	var ghostVal int
	require.NoError(t, ghostProxy.Call(context.Background(), "Inc", &ghostVal))
	require.NoError(t, ghostProxy.CloseConnOnly())

	var v2 int
	require.NoError(t, proxy.Call(context.Background(), "Inc", &v2))
	assert.Equal(t, 3, v2, "the singleton state must have survived the crashed client")
}

func TestE2ERemoteExceptionPropagates(t *testing.T) {
	opts := helperOptions(t, "e2e-remoteerr", 0)

	proxy, err := singleton.Open(context.Background(), opts)
	require.NoError(t, err)
	defer proxy.Close()

	err = proxy.Call(context.Background(), "Fail", nil, "boom")
	require.Error(t, err)

	var singletonErr *daemon.Error
	require.ErrorAs(t, err, &singletonErr)
	assert.Equal(t, daemon.KindRemote, singletonErr.Kind)
	assert.Contains(t, singletonErr.Message, "boom")
}
