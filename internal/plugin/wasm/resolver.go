package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/security"
)

// Ext is the extension of WASM units.
const Ext = ".wasm"

// GuestDataDir is where the unit's data directory is mounted inside the
// module when a filesystem grant is present.
const GuestDataDir = "/data"

// DefaultCallTimeout bounds a single export call.
const DefaultCallTimeout = 30 * time.Second

// Resolver loads .wasm units through Extism.
type Resolver struct {
	timeout time.Duration
}

// NewResolver creates a resolver whose calls time out after timeout. Zero
// uses DefaultCallTimeout.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Resolver{timeout: timeout}
}

// Resolve compiles the module and instantiates it with the host functions
// its grants allow.
func (r *Resolver) Resolve(ctx context.Context, c plugin.Candidate, pctx *plugin.Context) (plugin.Plugin, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.Path, err)
	}

	exports, err := callableExports(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", c.Path, err)
	}

	checker := security.NewPermissionChecker(c.Name)
	checker.SetWorkspacePath(pctx.DataDir())
	for _, g := range pctx.Grants() {
		cap := security.Capability(g)
		if !security.IsValidCapability(cap) {
			pctx.Logger().Warn("ignoring unknown grant", "grant", g)
			continue
		}
		checker.Grant(cap)
	}

	manifest := extism.Manifest{
		Wasm:    []extism.Wasm{extism.WasmData{Data: data, Name: c.Name}},
		Config:  settingsConfig(pctx.Settings()),
		Timeout: uint64(r.timeout / time.Millisecond),
	}
	if checker.HasCapability(security.CapabilityNetwork) {
		manifest.AllowedHosts = []string{"*"}
	}
	if checker.HasCapability(security.CapabilityFileRead) || checker.HasCapability(security.CapabilityFileWrite) {
		manifest.AllowedPaths = map[string]string{pctx.DataDir(): GuestDataDir}
	}

	config := extism.PluginConfig{EnableWasi: true}
	p, err := extism.NewPlugin(ctx, manifest, config, hostFunctions(pctx, checker))
	if err != nil {
		return nil, fmt.Errorf("instantiating %s: %w", c.Path, err)
	}
	return newUnit(pctx, p, exports), nil
}

// callableExports lists the functions the module exports that Extism can
// call: no parameters, at most one i32 result.
func callableExports(ctx context.Context, data []byte) ([]string, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return nil, err
	}
	defer compiled.Close(ctx)

	var names []string
	for name, def := range compiled.ExportedFunctions() {
		if len(def.ParamTypes()) != 0 {
			continue
		}
		results := def.ResultTypes()
		if len(results) > 1 || (len(results) == 1 && results[0] != api.ValueTypeI32) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// settingsConfig flattens settings into Extism config values. Strings are
// passed as-is, everything else as JSON.
func settingsConfig(settings map[string]any) map[string]string {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = strings.TrimSpace(string(raw))
	}
	return out
}
