package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Engine holds engine-level settings shared across programs.
type Engine struct {
	ChunkSize      int           `koanf:"chunk_size"`
	MetricsPort    int           `koanf:"metrics_port"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	DefaultGrace   time.Duration `koanf:"default_grace"`
}

// LoadEngine merges YAML (if present) with env-vars
// (prefix `OFFLOAD__`, delimiter `__`).
func LoadEngine(path string) (Engine, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Engine{}, err
		}
	}
	_ = k.Load(env.Provider("OFFLOAD__", "__", nil), nil)

	var cfg Engine
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyEngineDefaults(&cfg)
	return cfg, nil
}

func applyEngineDefaults(c *Engine) {
	if c.ChunkSize == 0 {
		c.ChunkSize = 64 * 1024
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultGrace == 0 {
		c.DefaultGrace = 2 * time.Second
	}
}
