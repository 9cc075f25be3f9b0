package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1 << 20

// envPrefix is stripped from environment overrides. The first underscore
// after the prefix separates section from field, so
// FIXPOINT_SAFETY_MIN_DISK_MB maps to safety.min_disk_mb.
const envPrefix = "FIXPOINT_"

// Load reads the YAML file at path, applies FIXPOINT_* environment
// overrides, fills defaults and validates. A missing file is not an error;
// the config then comes from environment and defaults alone.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env and defaults
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		case len(content) > maxConfigFileSize:
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		default:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(s, "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	if err := normalizePaths(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated-shape config for the given repository with
// every field at its default. Used by tests and by the dashboard, which
// reads state files but never mutates the target.
func Default(repoPath string) *Config {
	cfg := &Config{}
	cfg.Target.RepoPath = repoPath
	applyDefaults(cfg)
	return cfg
}
