package config

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/ctfever/internal/config/loader"
	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTFEVER_"

// DefaultFile is the configuration file read when none is named.
const DefaultFile = "ctfever.toml"

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the runtime configuration.
type Config struct {
	PluginDir    string   `toml:"plugin_dir"`
	DataDir      string   `toml:"data_dir"`
	LogLevel     string   `toml:"log_level"`
	LogJSON      bool     `toml:"log_json"`
	TempKeep     int      `toml:"temp_keep"`
	Workers      int      `toml:"workers"`
	FetchTimeout Duration `toml:"fetch_timeout"`

	// Disabled are glob patterns of plugin names that are never loaded.
	Disabled []string `toml:"disabled"`

	Lua  LuaConfig  `toml:"lua"`
	WASM WASMConfig `toml:"wasm"`

	// Plugins holds per-plugin grants and settings keyed by plugin name.
	Plugins map[string]PluginConfig `toml:"plugins"`
}

// LuaConfig configures Lua units.
type LuaConfig struct {
	ExecutionTimeout Duration `toml:"execution_timeout"`
}

// WASMConfig configures WASM units.
type WASMConfig struct {
	CallTimeout Duration `toml:"call_timeout"`
}

// PluginConfig is the [plugins.<name>] table.
type PluginConfig struct {
	Grants   []string       `toml:"grants"`
	Settings map[string]any `toml:"settings"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PluginDir:    "plugins",
		DataDir:      "data",
		LogLevel:     "info",
		TempKeep:     plugin.DefaultTempKeep,
		Workers:      8,
		FetchTimeout: Duration(plugin.DefaultFetchTimeout),
		Lua:          LuaConfig{ExecutionTimeout: Duration(30 * time.Second)},
		WASM:         WASMConfig{CallTimeout: Duration(30 * time.Second)},
		Plugins:      map[string]PluginConfig{},
	}
}

// Option configures Load.
type Option func(*options)

type options struct {
	fs      loader.FileSystem
	environ func() []string
}

// WithFileSystem reads the configuration file through fsys.
func WithFileSystem(fsys loader.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// WithEnviron replaces os.Environ as the source of overrides.
func WithEnviron(environ func() []string) Option {
	return func(o *options) { o.environ = environ }
}

// Load builds the configuration from defaults, the TOML file at path and
// the environment. An empty path or a missing file contributes nothing.
// The result is validated.
func Load(path string, opts ...Option) (*Config, error) {
	o := &options{fs: loader.OSFS{}}
	for _, opt := range opts {
		opt(o)
	}

	sources := make([]loader.Loader, 0, 2)
	if path != "" {
		sources = append(sources, loader.NewTOMLLoaderWithFS(o.fs, path))
	}
	env := loader.NewEnvLoader(EnvPrefix)
	if o.environ != nil {
		env.WithEnviron(o.environ)
	}
	sources = append(sources, env)

	merged := make(map[string]any)
	for _, src := range sources {
		m, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	cfg, err := decode(merged)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode applies the merged layers onto the defaults.
func decode(merged map[string]any) (*Config, error) {
	cfg := Default()
	if len(merged) == 0 {
		return cfg, nil
	}
	data, err := toml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.TrimSpace(strict.String()))
		}
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(key, msg string, v any) {
		errs = append(errs, &ValidationError{Key: key, Message: msg, Value: v})
	}

	if c.PluginDir == "" {
		invalid("plugin_dir", "must not be empty", c.PluginDir)
	}
	if c.DataDir == "" {
		invalid("data_dir", "must not be empty", c.DataDir)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		invalid("log_level", "must be one of trace, debug, info, warn, error", c.LogLevel)
	}
	if c.TempKeep < 0 {
		invalid("temp_keep", "must not be negative", c.TempKeep)
	}
	if c.Workers < 0 {
		invalid("workers", "must not be negative", c.Workers)
	}
	if c.FetchTimeout < 0 {
		invalid("fetch_timeout", "must not be negative", c.FetchTimeout.Std())
	}
	if c.Lua.ExecutionTimeout < 0 {
		invalid("lua.execution_timeout", "must not be negative", c.Lua.ExecutionTimeout.Std())
	}
	if c.WASM.CallTimeout < 0 {
		invalid("wasm.call_timeout", "must not be negative", c.WASM.CallTimeout.Std())
	}
	for i, p := range c.Disabled {
		if _, err := glob.Compile(p); err != nil {
			invalid(fmt.Sprintf("disabled[%d]", i), err.Error(), p)
		}
	}
	for _, name := range c.pluginNames() {
		for _, g := range c.Plugins[name].Grants {
			if !security.IsValidCapability(security.Capability(g)) {
				invalid("plugins."+name+".grants", "unknown grant", g)
			}
		}
	}
	return errors.Join(errs...)
}

// Level returns the hclog level for LogLevel.
func (c *Config) Level() hclog.Level {
	if l := hclog.LevelFromString(c.LogLevel); l != hclog.NoLevel {
		return l
	}
	return hclog.Info
}

// DisabledPatterns compiles Disabled.
func (c *Config) DisabledPatterns() ([]glob.Glob, error) {
	patterns := make([]glob.Glob, 0, len(c.Disabled))
	for _, p := range c.Disabled {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("disabled pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}
	return patterns, nil
}

// UnitOptions converts the [plugins] tables for the loader.
func (c *Config) UnitOptions() map[string]plugin.UnitOptions {
	units := make(map[string]plugin.UnitOptions, len(c.Plugins))
	for name, p := range c.Plugins {
		units[strings.ToLower(name)] = plugin.UnitOptions{
			Settings: p.Settings,
			Grants:   append([]string(nil), p.Grants...),
		}
	}
	return units
}

func (c *Config) pluginNames() []string {
	names := make([]string, 0, len(c.Plugins))
	for name := range c.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
