package lua

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin"
)

// Unit is a plugin implemented by a Lua script. The script defines a global
// table named after the unit ("Example" for example.lua); its functions are
// the hooks and capabilities:
//
//	Example = {}
//
//	function Example.load()
//	    return true
//	end
//
//	function Example.greet(name)
//	    return "hello " .. name
//	end
//
// A capability's parameters are the function's declared parameters. A
// leading self parameter (function Example:greet(name)) receives the table.
// The table may instead list its surface explicitly as
// capabilities = { greet = {"name"} }, and hide functions with
// exclude = {"helper"}.
type Unit struct {
	pctx   *plugin.Context
	state  *State
	table  *lua.LTable
	bridge *Bridge

	// surface is the last capability listing read from the table. It is
	// served while a script call holds the state.
	surfaceMu sync.Mutex
	surface   surface
}

type surface struct {
	caps    []plugin.Capability
	exclude []string
}

// hooks are table functions the runtime calls itself.
var hooks = map[string]bool{
	"load":            true,
	"unload":          true,
	"activate":        true,
	"deactivate":      true,
	"validate_params": true,
}

// NewUnit binds a Lua table in state to pctx.
func NewUnit(pctx *plugin.Context, state *State, table *lua.LTable) *Unit {
	u := &Unit{
		pctx:   pctx,
		state:  state,
		table:  table,
		bridge: NewBridge(state.L),
	}
	state.Do(func(L *lua.LState) error {
		u.surface = u.readSurface()
		return nil
	})
	return u
}

// Load runs the script's load function. A script without one has not
// implemented the hook. Returning false, or nil with a message, fails the
// load.
func (u *Unit) Load(ctx context.Context) plugin.LoadOutcome {
	fn, ok := u.function("load")
	if !ok {
		return plugin.NotImplemented()
	}
	ret, err := u.state.Call(ctx, fn)
	if err != nil {
		return plugin.Failed(err)
	}
	u.state.Do(func(L *lua.LState) error {
		u.storeSurface(u.readSurface())
		return nil
	})
	if err := resultError(ret); err != nil {
		return plugin.Failed(err)
	}
	if len(ret) > 0 && ret[0] == lua.LFalse {
		return plugin.Failed(errors.New("load returned false"))
	}
	return plugin.Ok()
}

// Unload runs the optional unload function.
func (u *Unit) Unload(ctx context.Context) error { return u.hook(ctx, "unload") }

// Activate runs the optional activate function.
func (u *Unit) Activate(ctx context.Context) error { return u.hook(ctx, "activate") }

// Deactivate runs the optional deactivate function.
func (u *Unit) Deactivate(ctx context.Context) error { return u.hook(ctx, "deactivate") }

func (u *Unit) hook(ctx context.Context, name string) error {
	fn, ok := u.function(name)
	if !ok {
		return nil
	}
	ret, err := u.state.Call(ctx, fn)
	if err != nil {
		return err
	}
	return resultError(ret)
}

// Close releases the Lua state.
func (u *Unit) Close() error {
	return u.state.Close()
}

// Exclude returns the names listed in the table's exclude field.
func (u *Unit) Exclude() []string {
	return u.currentSurface().exclude
}

// ValidateParams calls the optional validate_params(args) function. A
// string or true result is a validation failure.
func (u *Unit) ValidateParams(ctx context.Context, args plugin.Args) string {
	fn, ok := u.function("validate_params")
	if !ok {
		return ""
	}
	var bag lua.LValue
	u.state.Do(func(L *lua.LState) error {
		bag = u.bridge.ToLuaValue(args)
		return nil
	})
	ret, err := u.state.Call(ctx, fn, bag)
	if err != nil {
		return err.Error()
	}
	if len(ret) == 0 {
		return ""
	}
	switch v := ret[0].(type) {
	case lua.LString:
		return string(v)
	case lua.LBool:
		if v {
			return "invalid parameters"
		}
	}
	return ""
}

// Capabilities enumerates the table. The table is read again whenever the
// state is idle, so functions a script adds after load are picked up. While
// a call is running the previous listing is returned.
func (u *Unit) Capabilities() []plugin.Capability {
	return u.currentSurface().caps
}

func (u *Unit) currentSurface() surface {
	var fresh surface
	ran, _ := u.state.TryDo(func(*lua.LState) error {
		fresh = u.readSurface()
		return nil
	})
	if ran {
		u.storeSurface(fresh)
		return fresh
	}
	u.surfaceMu.Lock()
	defer u.surfaceMu.Unlock()
	return u.surface
}

func (u *Unit) storeSurface(s surface) {
	u.surfaceMu.Lock()
	u.surface = s
	u.surfaceMu.Unlock()
}

// readSurface must run with the state held.
func (u *Unit) readSurface() surface {
	var s surface
	if explicit, ok := u.table.RawGetString("capabilities").(*lua.LTable); ok {
		s.caps = u.explicitCapabilities(explicit)
	} else {
		s.caps = u.discoveredCapabilities()
	}
	if t, ok := u.table.RawGetString("exclude").(*lua.LTable); ok {
		t.ForEach(func(_, v lua.LValue) {
			if name, ok := v.(lua.LString); ok {
				s.exclude = append(s.exclude, string(name))
			}
		})
	}
	return s
}

func (u *Unit) explicitCapabilities(t *lua.LTable) []plugin.Capability {
	var caps []plugin.Capability
	t.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		fn, ok := u.table.RawGetString(string(name)).(*lua.LFunction)
		if !ok {
			return
		}
		var params []string
		if list, ok := v.(*lua.LTable); ok {
			list.ForEach(func(_, p lua.LValue) {
				if s, ok := p.(lua.LString); ok {
					params = append(params, string(s))
				}
			})
		}
		_, method := functionParams(fn)
		caps = append(caps, u.capability(string(name), fn, params, method))
	})
	sortCapabilities(caps)
	return caps
}

func (u *Unit) discoveredCapabilities() []plugin.Capability {
	var caps []plugin.Capability
	u.table.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok || strings.HasPrefix(string(name), "_") || hooks[string(name)] {
			return
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return
		}
		params, method := functionParams(fn)
		caps = append(caps, u.capability(string(name), fn, params, method))
	})
	sortCapabilities(caps)
	return caps
}

// functionParams returns the declared parameter names of a Lua function,
// without a leading self. method reports whether self was declared.
func functionParams(fn *lua.LFunction) (params []string, method bool) {
	if fn.IsG || fn.Proto == nil {
		return nil, false
	}
	n := int(fn.Proto.NumParameters)
	for i := 0; i < n && i < len(fn.Proto.DbgLocals); i++ {
		params = append(params, fn.Proto.DbgLocals[i].Name)
	}
	if len(params) > 0 && params[0] == "self" {
		return params[1:], true
	}
	return params, false
}

// capability wraps fn as a handler. Arguments are passed positionally in
// params order; missing names are nil.
func (u *Unit) capability(name string, fn *lua.LFunction, params []string, method bool) plugin.Capability {
	return plugin.Capability{
		Name:   name,
		Params: params,
		Handler: func(ctx context.Context, args plugin.Args) (any, error) {
			var in []lua.LValue
			var out any
			err := u.state.Do(func(L *lua.LState) error {
				if method {
					in = append(in, u.table)
				}
				for _, p := range params {
					in = append(in, u.bridge.ToLuaValue(args[p]))
				}
				return nil
			})
			if err != nil {
				return nil, err
			}

			ret, err := u.state.Call(ctx, fn, in...)
			if err != nil {
				return nil, err
			}
			if err := resultError(ret); err != nil {
				return nil, err
			}
			if len(ret) > 0 {
				u.state.Do(func(L *lua.LState) error {
					out = u.bridge.ToGoValue(ret[0])
					return nil
				})
			}
			return out, nil
		},
	}
}

func (u *Unit) function(name string) (*lua.LFunction, bool) {
	var fn *lua.LFunction
	u.state.Do(func(L *lua.LState) error {
		fn, _ = u.table.RawGetString(name).(*lua.LFunction)
		return nil
	})
	return fn, fn != nil
}

// resultError treats the Lua convention nil, message as a failure.
func resultError(ret []lua.LValue) error {
	if len(ret) >= 2 && ret[0] == lua.LNil {
		if msg, ok := ret[1].(lua.LString); ok {
			return errors.New(string(msg))
		}
	}
	return nil
}

func sortCapabilities(caps []plugin.Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
}

// String identifies the unit in logs.
func (u *Unit) String() string {
	return fmt.Sprintf("lua unit %s", u.pctx.Name())
}
