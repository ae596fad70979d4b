package loader

import (
	"reflect"
	"strings"
	"testing"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestEnvLoader_Load(t *testing.T) {
	loader := NewEnvLoader("CTFEVER_").WithEnviron(environ(
		"CTFEVER_LOG_LEVEL=debug",
		"CTFEVER_WORKERS=1",
		"CTFEVER_LOG_JSON=yes",
		"CTFEVER_LUA_EXECUTION_TIMEOUT=250ms",
		"CTFEVER_DISABLED=nothing, legacy_*",
		"CTFEVER_UNKNOWN=ignored",
		"HOME=/root",
	))

	config, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]any{
		"log_level": "debug",
		"workers":   int64(1),
		"log_json":  true,
		"lua":       map[string]any{"execution_timeout": "250ms"},
		"disabled":  []any{"nothing", "legacy_*"},
	}
	if !reflect.DeepEqual(config, want) {
		t.Errorf("Load() = %v, want %v", config, want)
	}
}

func TestEnvLoader_PluginGrants(t *testing.T) {
	loader := NewEnvLoader("CTFEVER_").WithEnviron(environ(
		"CTFEVER_PLUGINS_PORT_SCAN_GRANTS=network,process.spawn",
		"CTFEVER_PLUGINS__GRANTS=network",
	))

	config, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]any{
		"plugins": map[string]any{
			"port_scan": map[string]any{"grants": []any{"network", "process.spawn"}},
		},
	}
	if !reflect.DeepEqual(config, want) {
		t.Errorf("Load() = %v, want %v", config, want)
	}
}

func TestEnvLoader_EmptyValueIsSet(t *testing.T) {
	config, err := NewEnvLoader("CTFEVER_").WithEnviron(environ("CTFEVER_DATA_DIR=")).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v, ok := config["data_dir"]; !ok || v != "" {
		t.Errorf("data_dir = %v (set %v), want empty string", v, ok)
	}
}

func TestEnvLoader_InvalidValue(t *testing.T) {
	tests := []string{
		"CTFEVER_WORKERS=many",
		"CTFEVER_LOG_JSON=maybe",
	}
	for _, env := range tests {
		_, err := NewEnvLoader("CTFEVER_").WithEnviron(environ(env)).Load()
		if err == nil {
			t.Errorf("%s: expected error", env)
			continue
		}
		name, _, _ := strings.Cut(env, "=")
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
}

func TestEnvLoader_CustomMapping(t *testing.T) {
	loader := NewEnvLoaderWithMapping("X_", map[string]Binding{
		"ROOT": {Path: "a.b.c"},
	}).WithEnviron(environ("X_ROOT=/tmp", "X_LOG_LEVEL=debug"))

	config, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := map[string]any{"a": map[string]any{"b": map[string]any{"c": "/tmp"}}}
	if !reflect.DeepEqual(config, want) {
		t.Errorf("Load() = %v, want %v", config, want)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		kind     Kind
		input    string
		expected any
	}{
		{Bool, "true", true},
		{Bool, "ON", true},
		{Bool, "1", true},
		{Bool, "off", false},
		{Bool, "", false},
		{Int, "42", int64(42)},
		{Int, " -3 ", int64(-3)},
		{String, "1", "1"},
		{String, "", ""},
		{List, "", []any{}},
		{List, "a,,b ", []any{"a", "b"}},
	}

	for _, tt := range tests {
		got, err := parseValue(tt.kind, tt.input)
		if err != nil {
			t.Errorf("parseValue(%v, %q) error: %v", tt.kind, tt.input, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("parseValue(%v, %q) = %v (%T), want %v (%T)",
				tt.kind, tt.input, got, got, tt.expected, tt.expected)
		}
	}
}
