package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/config"
	"github.com/TovarnovM/loopback-singleton/internal/daemon"
	"github.com/TovarnovM/loopback-singleton/internal/objectfactory"
	"github.com/spf13/cobra"
)

// Distinct exit codes for the daemon entrypoint, so whoever inspects a
// dead daemon's status can tell the outcomes apart without parsing stderr.
const (
	exitLostStartupRace = 2
	exitFactoryFailed   = 3
	exitPublishFailed   = 4
	exitInternalError   = 5
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the singleton daemon (invoked by the coordinator, not usually by hand)",
	Long: `serve is the daemon entrypoint: it reads its auth token, runtime
directory, and factory reference from the environment (never argv, so the
token never shows up in a process listing), resolves the singleton object
via the registered ObjectFactory, and serves it until it loses the startup
arbitration race, the idle TTL elapses, or it receives SIGTERM/SIGINT.

This command is normally only ever run indirectly, as the argv the
coordinator spawns on a cache miss.

Exit codes: 0 normal shutdown, 2 another daemon already serves this name,
3 factory resolution failed, 4 metadata publish failed, 5 internal error.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	globalCfg, err := config.LoadGlobalConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name := os.Getenv(daemon.ServiceNameEnvVar)
	if name == "" {
		return fmt.Errorf("serve: %s is not set; this command is meant to be spawned by the coordinator", daemon.ServiceNameEnvVar)
	}
	token := os.Getenv(daemon.TokenEnvVar)
	if token == "" {
		return fmt.Errorf("serve: %s is not set", daemon.TokenEnvVar)
	}
	runtimeDir := os.Getenv(daemon.RuntimeDirEnvVar)
	if runtimeDir == "" {
		return fmt.Errorf("serve: %s is not set", daemon.RuntimeDirEnvVar)
	}
	factoryRef := os.Getenv(daemon.FactoryRefEnvVar)
	if factoryRef == "" {
		return fmt.Errorf("serve: %s is not set", daemon.FactoryRefEnvVar)
	}

	obj, err := objectfactory.Resolve(factoryRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: resolving factory ref %q: %v\n", factoryRef, err)
		os.Exit(exitFactoryFailed)
	}

	err = daemon.Serve(ctx, daemon.ServeOptions{
		Name:          name,
		RuntimeDir:    runtimeDir,
		Token:         []byte(token),
		Obj:           obj,
		CodecID:       envOrString(daemon.CodecIDEnvVar, globalCfg.Daemon.CodecID),
		MaxFrameBytes: uint32(envOrInt(daemon.MaxFrameBytesEnvVar, globalCfg.Daemon.MaxFrameBytes)),
		IdleTTL:       envMSOrDuration(daemon.IdleTTLEnvVar, time.Duration(globalCfg.Daemon.IdleTTLSeconds)*time.Second),
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, daemon.ErrLostStartupRace):
		fmt.Fprintln(os.Stderr, "serve: another process already won the startup race for this name")
		os.Exit(exitLostStartupRace)
	case errors.Is(err, daemon.ErrPublishFailed):
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(exitPublishFailed)
	default:
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(exitInternalError)
	}
	return nil
}

// envOrString returns the environment variable's value when set, else
// fallback. The coordinator's wire settings (codec id, frame cap) arrive
// this way and must win over machine-wide config, or the spawning client
// could never complete its handshake.
func envOrString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envMSOrDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
