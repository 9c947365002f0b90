package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadGlobalConfig loads ~/.loopback-singleton/config.yml, falling back to
// built-in defaults when the file is absent (not an error). Environment
// variables (LOOPBACK_SINGLETON_*) override file values.
func LoadGlobalConfig() (*GlobalConfig, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	baseDir := filepath.Join(home, ".loopback-singleton")

	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(baseDir)

	v.SetEnvPrefix("LOOPBACK_SINGLETON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindGlobalEnvVars(v)
	setGlobalDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &GlobalConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func bindGlobalEnvVars(v *viper.Viper) {
	v.BindEnv("daemon.runtime_dir")
	v.BindEnv("daemon.idle_ttl_seconds")
	v.BindEnv("daemon.connect_timeout_ms")
	v.BindEnv("daemon.start_timeout_ms")
	v.BindEnv("daemon.max_frame_bytes")
	v.BindEnv("daemon.codec_id")
}

func setGlobalDefaults(v *viper.Viper) {
	v.SetDefault("daemon.runtime_dir", "")
	v.SetDefault("daemon.idle_ttl_seconds", 600)
	v.SetDefault("daemon.connect_timeout_ms", 2000)
	v.SetDefault("daemon.start_timeout_ms", 10000)
	v.SetDefault("daemon.max_frame_bytes", 16<<20)
	v.SetDefault("daemon.codec_id", "cbor")
}
