package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "TASKNEST"

// Resolve layers the defaults, the config file and TASKNEST_* environment variables, in that order.
// With an empty path the workspace tasknest.yml is used when present. TASKNEST_AUTH_JWT_SECRET
// sets auth.jwt_secret; list values such as server.cors_origins take comma separated strings.
func Resolve(workspace, path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("default config template: %w", err)
	}
	if path == "" {
		if candidate := Path(workspace); fileExists(candidate) {
			path = candidate
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
