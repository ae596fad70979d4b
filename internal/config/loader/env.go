package loader

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kind is how an environment value is parsed.
type Kind int

const (
	String Kind = iota
	Int
	Bool
	// List is a comma-separated list of strings.
	List
)

// Binding maps an environment variable to a config key.
type Binding struct {
	Path string
	Kind Kind
}

// EnvLoader loads configuration from environment variables.
type EnvLoader struct {
	prefix  string
	mapping map[string]Binding
	environ func() []string
}

// NewEnvLoader creates a loader for variables named prefix + suffix, e.g.
// "CTFEVER_" + "LOG_LEVEL".
func NewEnvLoader(prefix string) *EnvLoader {
	return NewEnvLoaderWithMapping(prefix, DefaultMapping())
}

// NewEnvLoaderWithMapping creates a loader with a custom mapping keyed by
// variable suffix.
func NewEnvLoaderWithMapping(prefix string, mapping map[string]Binding) *EnvLoader {
	return &EnvLoader{prefix: prefix, mapping: mapping, environ: os.Environ}
}

// WithEnviron replaces the environment source.
func (l *EnvLoader) WithEnviron(environ func() []string) *EnvLoader {
	l.environ = environ
	return l
}

// DefaultMapping returns the runtime's environment bindings.
func DefaultMapping() map[string]Binding {
	return map[string]Binding{
		"PLUGIN_DIR":            {Path: "plugin_dir"},
		"DATA_DIR":              {Path: "data_dir"},
		"LOG_LEVEL":             {Path: "log_level"},
		"LOG_JSON":              {Path: "log_json", Kind: Bool},
		"TEMP_KEEP":             {Path: "temp_keep", Kind: Int},
		"WORKERS":               {Path: "workers", Kind: Int},
		"FETCH_TIMEOUT":         {Path: "fetch_timeout"},
		"LUA_EXECUTION_TIMEOUT": {Path: "lua.execution_timeout"},
		"WASM_CALL_TIMEOUT":     {Path: "wasm.call_timeout"},
		"DISABLED":              {Path: "disabled", Kind: List},
	}
}

// pluginGrants matches PLUGINS_<NAME>_GRANTS.
const (
	pluginsPrefix = "PLUGINS_"
	grantsSuffix  = "_GRANTS"
)

// Load reads the environment. Mapped variables become their config key;
// PLUGINS_<NAME>_GRANTS sets plugins.<name>.grants. Other prefixed
// variables are ignored. Empty values count as set.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)
	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		suffix := strings.TrimPrefix(name, l.prefix)

		if b, ok := l.mapping[suffix]; ok {
			v, err := parseValue(b.Kind, value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			setByPath(config, strings.Split(b.Path, "."), v)
			continue
		}

		if plugin, ok := pluginGrantsName(suffix); ok {
			setByPath(config, []string{"plugins", plugin, "grants"}, splitList(value))
		}
	}
	return config, nil
}

func pluginGrantsName(suffix string) (string, bool) {
	if !strings.HasPrefix(suffix, pluginsPrefix) || !strings.HasSuffix(suffix, grantsSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(suffix, pluginsPrefix), grantsSuffix)
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func parseValue(kind Kind, s string) (any, error) {
	switch kind {
	case Int:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return i, nil
	case Bool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", s)
	case List:
		return splitList(s), nil
	default:
		return s, nil
	}
}

func splitList(s string) []any {
	out := []any{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
