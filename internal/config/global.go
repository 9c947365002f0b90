// Package config provides the machine-wide configuration loaded from
// ~/.loopback-singleton/config.yml: runtime-directory location, handshake
// and spawn timeouts, idle-TTL, and wire limits shared by every singleton
// namespace on the host.
//
// Configuration hierarchy (highest to lowest priority):
//  1. Environment variables (LOOPBACK_SINGLETON_*)
//  2. ~/.loopback-singleton/config.yml
//  3. Built-in defaults
package config

// GlobalConfig holds machine-wide daemon defaults, read by the
// loopback-singletond commands. singleton.Open does not read it: fields
// left unset in singleton.Options fall back to daemon.Config.WithDefaults.
type GlobalConfig struct {
	Daemon DaemonConfig `yaml:"daemon" mapstructure:"daemon"`
}

// DaemonConfig holds the machine-wide defaults. The serve entrypoint uses
// each of IdleTTLSeconds, CodecID and MaxFrameBytes only when the spawning
// coordinator passed no value for it; status and stop use RuntimeDir,
// ConnectTimeoutMS and CodecID to reach an already-running daemon.
type DaemonConfig struct {
	RuntimeDir       string `yaml:"runtime_dir" mapstructure:"runtime_dir"`
	IdleTTLSeconds   int    `yaml:"idle_ttl_seconds" mapstructure:"idle_ttl_seconds"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	StartTimeoutMS   int    `yaml:"start_timeout_ms" mapstructure:"start_timeout_ms"`
	MaxFrameBytes    int    `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	CodecID          string `yaml:"codec_id" mapstructure:"codec_id"`
}
