// Package config loads vmguard settings from defaults, an optional YAML
// file and VMGUARD_ environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/sandbox"
)

// EnvPrefix marks environment overrides. VMGUARD_POLICY__MAX_DURATION=2s
// overrides policy.max_duration.
const EnvPrefix = "VMGUARD_"

// Config is the full set of settings the CLI reads.
type Config struct {
	Policy  PolicyConfig  `koanf:"policy" yaml:"policy"`
	Sandbox SandboxConfig `koanf:"sandbox" yaml:"sandbox"`
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Wasm    WasmConfig    `koanf:"wasm" yaml:"wasm"`
}

type PolicyConfig struct {
	MaxDuration    time.Duration `koanf:"max_duration" yaml:"max_duration"`
	MaxMemoryBytes int64         `koanf:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCallDepth   int           `koanf:"max_call_depth" yaml:"max_call_depth"`
	SampleInterval int           `koanf:"sample_interval" yaml:"sample_interval"`
}

// SandboxConfig selects what scripts can reach. Allow entries use the
// "name" or "name.member" form; an empty list means the machine default.
type SandboxConfig struct {
	Allow []string `koanf:"allow" yaml:"allow"`
	KV    bool     `koanf:"kv" yaml:"kv"`
}

type ServerConfig struct {
	Port    int `koanf:"port" yaml:"port"`
	Workers int `koanf:"workers" yaml:"workers"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "text" or "json"
}

type WasmConfig struct {
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"`
	NoCache  bool   `koanf:"no_cache" yaml:"no_cache"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() map[string]any {
	p := governor.DefaultPolicy()
	return map[string]any{
		"policy.max_duration":     p.MaxDuration,
		"policy.max_memory_bytes": p.MaxMemoryBytes,
		"policy.max_call_depth":   p.MaxCallDepth,
		"policy.sample_interval":  p.SampleInterval,
		"sandbox.allow":           []string{},
		"sandbox.kv":              false,
		"server.port":             8080,
		"server.workers":          4,
		"log.level":               "info",
		"log.format":              "text",
		"wasm.cache_dir":          "",
		"wasm.no_cache":           false,
	}
}

// Load reads the configuration. path may be empty; a named file that cannot
// be read is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		k.Set(key, value)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be checked later.
func (c *Config) Validate() error {
	if err := c.Policy.Policy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := c.Sandbox.AllowList(); err != nil {
		return fmt.Errorf("sandbox.allow: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: use text or json", c.Log.Format)
	}
	return nil
}

// Policy converts the policy section into a governor policy.
func (c PolicyConfig) Policy() governor.Policy {
	return governor.Policy{
		MaxDuration:    c.MaxDuration,
		MaxMemoryBytes: c.MaxMemoryBytes,
		MaxCallDepth:   c.MaxCallDepth,
		SampleInterval: c.SampleInterval,
	}
}

// AllowList parses the allow entries. It returns nil when none are set so
// the machine's default applies.
func (c SandboxConfig) AllowList() (sandbox.AllowList, error) {
	if len(c.Allow) == 0 {
		return nil, nil
	}
	return sandbox.ParseAllowList(c.Allow)
}
