package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	extism "github.com/extism/go-sdk"

	"github.com/dshills/ctfever/internal/plugin"
)

// Unit is a plugin implemented by a WebAssembly module.
//
// Exports named after hooks (load, unload, activate, deactivate,
// validate_params) are called by the runtime. The optional capabilities
// export returns a JSON object of method name to parameter names and fully
// replaces discovery; without it every other callable export that does not
// start with an underscore is a capability without parameters. The optional
// exclude export returns a JSON array of names to hide.
//
// A capability call passes the argument bag as JSON input and decodes the
// output as JSON. A non-zero exit code is an error.
type Unit struct {
	pctx    *plugin.Context
	exports []string

	// mu serializes calls into the module instance.
	mu     sync.Mutex
	plugin *extism.Plugin
	closed bool

	// surface is the last listing read from the module. It is served while
	// a call holds mu.
	surfaceMu sync.Mutex
	surface   surface
}

type surface struct {
	caps    []plugin.Capability
	exclude []string
}

var hooks = map[string]bool{
	"load":            true,
	"unload":          true,
	"activate":        true,
	"deactivate":      true,
	"validate_params": true,
	"capabilities":    true,
	"exclude":         true,
}

func newUnit(pctx *plugin.Context, p *extism.Plugin, exports []string) *Unit {
	u := &Unit{pctx: pctx, exports: exports, plugin: p}
	logger := pctx.Logger()
	p.SetLogger(func(level extism.LogLevel, msg string) {
		switch level {
		case extism.LogLevelError:
			logger.Error(msg)
		case extism.LogLevelWarn:
			logger.Warn(msg)
		case extism.LogLevelInfo:
			logger.Info(msg)
		default:
			logger.Debug(msg)
		}
	})
	return u
}

// call runs an export. exists is false when the module does not export name.
func (u *Unit) call(ctx context.Context, name string, input []byte) (out []byte, exists bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.callLocked(ctx, name, input)
}

func (u *Unit) callLocked(ctx context.Context, name string, input []byte) (out []byte, exists bool, err error) {
	if u.closed {
		return nil, false, errors.New("module is closed")
	}
	if !u.plugin.FunctionExists(name) {
		return nil, false, nil
	}
	code, out, err := u.plugin.CallWithContext(ctx, name, input)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", name, err)
	}
	if code != 0 {
		return nil, true, fmt.Errorf("%s: exit code %d", name, code)
	}
	return out, true, nil
}

// Load calls the load export. A module without one has not implemented the
// hook.
func (u *Unit) Load(ctx context.Context) plugin.LoadOutcome {
	u.mu.Lock()
	_, exists, err := u.callLocked(ctx, "load", nil)
	u.setSurface(u.readSurface())
	u.mu.Unlock()

	switch {
	case !exists && err == nil:
		return plugin.NotImplemented()
	case err != nil:
		return plugin.Failed(err)
	}
	return plugin.Ok()
}

func (u *Unit) Unload(ctx context.Context) error     { return u.hook(ctx, "unload") }
func (u *Unit) Activate(ctx context.Context) error   { return u.hook(ctx, "activate") }
func (u *Unit) Deactivate(ctx context.Context) error { return u.hook(ctx, "deactivate") }

func (u *Unit) hook(ctx context.Context, name string) error {
	_, _, err := u.call(ctx, name, nil)
	return err
}

// Close releases the module instance.
func (u *Unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.plugin.CloseWithContext(context.Background())
}

// Exclude returns the names listed by the exclude export.
func (u *Unit) Exclude() []string {
	return u.currentSurface().exclude
}

// ValidateParams calls the validate_params export with the argument bag.
// Any output is the description of what is wrong.
func (u *Unit) ValidateParams(ctx context.Context, args plugin.Args) string {
	input, err := encodeArgs(args)
	if err != nil {
		return err.Error()
	}
	out, exists, err := u.call(ctx, "validate_params", input)
	if !exists && err == nil {
		return ""
	}
	if err != nil {
		return err.Error()
	}
	return strings.TrimSpace(string(out))
}

// Capabilities returns the capability table. It is read from the module
// whenever the module is idle; while a call is running the previous table
// is returned.
func (u *Unit) Capabilities() []plugin.Capability {
	return u.currentSurface().caps
}

func (u *Unit) currentSurface() surface {
	if u.mu.TryLock() {
		fresh := u.readSurface()
		u.setSurface(fresh)
		u.mu.Unlock()
		return fresh
	}
	u.surfaceMu.Lock()
	defer u.surfaceMu.Unlock()
	return u.surface
}

func (u *Unit) setSurface(s surface) {
	u.surfaceMu.Lock()
	u.surface = s
	u.surfaceMu.Unlock()
}

// readSurface calls the capabilities and exclude exports. Must be called
// with mu held.
func (u *Unit) readSurface() surface {
	if u.closed {
		return surface{}
	}
	var s surface
	declared, err := u.declared()
	if err != nil {
		u.pctx.Logger().Warn("capabilities export failed", "error", err)
	} else {
		s.caps = u.table(declared)
	}

	out, exists, err := u.callLocked(context.Background(), "exclude", nil)
	if exists && err == nil && len(out) > 0 {
		if err := json.Unmarshal(out, &s.exclude); err != nil {
			u.pctx.Logger().Warn("exclude export returned invalid JSON", "error", err)
			s.exclude = nil
		}
	}
	return s
}

// table builds the capabilities from the declared table, or from the
// callable exports when declared is nil. Declared names the module does not
// export are skipped.
func (u *Unit) table(declared map[string][]string) []plugin.Capability {
	var caps []plugin.Capability
	if declared != nil {
		exported := make(map[string]bool, len(u.exports))
		for _, name := range u.exports {
			exported[name] = true
		}
		for name, params := range declared {
			if !exported[name] {
				u.pctx.Logger().Debug("declared capability is not exported", "capability", name)
				continue
			}
			caps = append(caps, u.capability(name, params))
		}
	} else {
		for _, name := range u.exports {
			if hooks[name] || strings.HasPrefix(name, "_") {
				continue
			}
			caps = append(caps, u.capability(name, nil))
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// declared returns the output of the capabilities export, or nil when the
// module does not have one. Must be called with mu held.
func (u *Unit) declared() (map[string][]string, error) {
	out, exists, err := u.callLocked(context.Background(), "capabilities", nil)
	if err != nil || !exists {
		return nil, err
	}
	declared := map[string][]string{}
	if err := json.Unmarshal(out, &declared); err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	return declared, nil
}

func (u *Unit) capability(name string, params []string) plugin.Capability {
	return plugin.Capability{
		Name:   name,
		Params: params,
		Handler: func(ctx context.Context, args plugin.Args) (any, error) {
			input, err := encodeArgs(args)
			if err != nil {
				return nil, err
			}
			out, exists, err := u.call(ctx, name, input)
			if u.pctx.Crashed() {
				return nil, fmt.Errorf("%w: %w", plugin.ErrPluginCrashed, u.pctx.CrashCause())
			}
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("module does not export %s", name)
			}
			if len(out) == 0 {
				return nil, nil
			}
			var result any
			if err := json.Unmarshal(out, &result); err != nil {
				// Plain text output.
				return string(out), nil
			}
			return result, nil
		},
	}
}

// encodeArgs serializes the argument bag. Attachments become objects with
// filename and base64 content.
func encodeArgs(args plugin.Args) ([]byte, error) {
	if args == nil {
		args = plugin.Args{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return raw, nil
}

// String identifies the unit in logs.
func (u *Unit) String() string {
	return fmt.Sprintf("wasm unit %s", u.pctx.Name())
}
