package lua

import (
	"context"
	"errors"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/arena"
	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/security"
)

// Module is one group of host functions in the ctfever table.
type Module interface {
	// Name returns the module name, used in error messages.
	Name() string

	// RequiredCapability returns the capability required to use this module.
	// Returns empty string if no capability is required.
	RequiredCapability() security.Capability

	// Register adds the module's functions to the host table.
	Register(L *lua.LState, host *lua.LTable)
}

// HostModules returns the modules backed by pctx.
func HostModules(pctx *plugin.Context) []Module {
	return []Module{
		&coreModule{pctx: pctx},
		&configModule{pctx: pctx},
		&tempModule{pctx: pctx},
		&fetchModule{pctx: pctx},
		&installModule{pctx: pctx},
		&fsModule{pctx: pctx},
	}
}

// InstallHost builds the ctfever table from the modules checker allows,
// sets it as a global and preloads it for require.
func InstallHost(L *lua.LState, checker *security.PermissionChecker, modules []Module) []string {
	host := L.NewTable()
	var installed []string
	for _, mod := range modules {
		if req := mod.RequiredCapability(); req != "" && !checker.HasCapability(req) {
			continue
		}
		mod.Register(L, host)
		installed = append(installed, mod.Name())
	}
	L.SetGlobal(HostModule, host)
	L.PreloadModule(HostModule, func(L *lua.LState) int {
		L.Push(host)
		return 1
	})
	sort.Strings(installed)
	return installed
}

// callContext returns the context of the running call.
func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// raiseOrReturn raises crashes as Lua errors and returns other failures as
// nil, message.
func raiseOrReturn(L *lua.LState, err error) int {
	if errors.Is(err, plugin.ErrPluginCrashed) {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// coreModule: identity, settings and logging.
type coreModule struct {
	pctx *plugin.Context
}

func (m *coreModule) Name() string                            { return "core" }
func (m *coreModule) RequiredCapability() security.Capability { return "" }

func (m *coreModule) Register(L *lua.LState, host *lua.LTable) {
	b := NewBridge(L)
	host.RawSetString("name", lua.LString(m.pctx.Name()))
	host.RawSetString("data_dir", lua.LString(m.pctx.DataDir()))
	host.RawSetString("temp_dir", lua.LString(m.pctx.TempDir().Path()))
	host.RawSetString("settings", b.ToLuaValue(m.pctx.Settings()))

	// setting(key [, default])
	host.RawSetString("setting", L.NewFunction(func(L *lua.LState) int {
		v, ok := m.pctx.Setting(L.CheckString(1))
		if !ok {
			L.Push(L.Get(2))
			return 1
		}
		L.Push(b.ToLuaValue(v))
		return 1
	}))

	log := L.NewTable()
	logger := m.pctx.Logger()
	level := func(emit func(msg string, args ...interface{})) *lua.LFunction {
		return L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			var args []interface{}
			if t, ok := L.Get(2).(*lua.LTable); ok {
				if fields, ok := b.ToGoValue(t).(map[string]interface{}); ok {
					keys := make([]string, 0, len(fields))
					for k := range fields {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						args = append(args, k, fields[k])
					}
				}
			}
			emit(msg, args...)
			return 0
		})
	}
	log.RawSetString("debug", level(logger.Debug))
	log.RawSetString("info", level(logger.Info))
	log.RawSetString("warn", level(logger.Warn))
	log.RawSetString("error", level(logger.Error))
	host.RawSetString("log", log)
}

// configModule: config.open(file, defaults) -> store with get/set/del/all.
type configModule struct {
	pctx *plugin.Context
}

func (m *configModule) Name() string                            { return "config" }
func (m *configModule) RequiredCapability() security.Capability { return "" }

func (m *configModule) Register(L *lua.LState, host *lua.LTable) {
	b := NewBridge(L)
	config := L.NewTable()
	config.RawSetString("open", L.NewFunction(func(L *lua.LState) int {
		file := L.OptString(1, "")
		var defaults interface{}
		if L.GetTop() >= 2 {
			defaults = b.ToGoValue(L.Get(2))
			if arr, ok := defaults.([]interface{}); ok && len(arr) == 0 {
				defaults = map[string]interface{}{}
			}
		}
		store, err := m.pctx.OpenConfig(file, defaults)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(storeTable(L, b, store))
		return 1
	}))
	host.RawSetString("config", config)
}

func storeTable(L *lua.LState, b *Bridge, store *arena.ConfigStore) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("path", lua.LString(store.Path()))

	// get(key [, default])
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		v, ok, err := store.Get(L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		if !ok {
			L.Push(L.Get(2))
			return 1
		}
		L.Push(b.ToLuaValue(v))
		return 1
	}))
	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		if err := store.Set(L.CheckString(1), b.ToGoValue(L.Get(2))); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	t.RawSetString("del", L.NewFunction(func(L *lua.LState) int {
		err := store.Delete(L.CheckString(1))
		L.Push(lua.LBool(err == nil))
		return 1
	}))
	t.RawSetString("all", L.NewFunction(func(L *lua.LState) int {
		doc, err := store.All()
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(b.ToLuaValue(doc))
		return 1
	}))
	return t
}

// tempModule: temp.keep(n), temp.purge(), temp.save(attachment [, subdir]).
type tempModule struct {
	pctx *plugin.Context
}

func (m *tempModule) Name() string                            { return "temp" }
func (m *tempModule) RequiredCapability() security.Capability { return "" }

func (m *tempModule) Register(L *lua.LState, host *lua.LTable) {
	b := NewBridge(L)
	temp := L.NewTable()
	temp.RawSetString("keep", L.NewFunction(func(L *lua.LState) int {
		if err := m.pctx.KeepTemporary(L.OptInt(1, 0)); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	temp.RawSetString("purge", L.NewFunction(func(L *lua.LState) int {
		if err := m.pctx.PurgeTemporary(); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	temp.RawSetString("save", L.NewFunction(func(L *lua.LState) int {
		att, ok := b.ToAttachment(L.Get(1))
		if !ok {
			L.ArgError(1, "expected an attachment")
			return 0
		}
		path, dir, err := m.pctx.SaveTemporary(att, L.OptString(2, "upload"))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(path))
		L.Push(lua.LString(dir))
		return 2
	}))
	host.RawSetString("temp", temp)
}

// fetchModule: fetch_package(url) -> true | nil, message. A crash raises.
type fetchModule struct {
	pctx *plugin.Context
}

func (m *fetchModule) Name() string { return "fetch" }

func (m *fetchModule) RequiredCapability() security.Capability {
	return security.CapabilityNetwork
}

func (m *fetchModule) Register(L *lua.LState, host *lua.LTable) {
	host.RawSetString("fetch_package", L.NewFunction(func(L *lua.LState) int {
		if err := m.pctx.FetchPackage(callContext(L), L.CheckString(1)); err != nil {
			return raiseOrReturn(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))
}

// installModule: install(command, args...) -> true. Failure crashes the unit.
type installModule struct {
	pctx *plugin.Context
}

func (m *installModule) Name() string { return "install" }

func (m *installModule) RequiredCapability() security.Capability {
	return security.CapabilityProcess
}

func (m *installModule) Register(L *lua.LState, host *lua.LTable) {
	host.RawSetString("install", L.NewFunction(func(L *lua.LState) int {
		command := L.CheckString(1)
		args := make([]string, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, L.CheckString(i))
		}
		if err := m.pctx.InstallPackage(callContext(L), command, args...); err != nil {
			return raiseOrReturn(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))
}

// fsModule: fs_write(name, content) into the data directory.
type fsModule struct {
	pctx *plugin.Context
}

func (m *fsModule) Name() string { return "fs" }

func (m *fsModule) RequiredCapability() security.Capability {
	return security.CapabilityFileWrite
}

func (m *fsModule) Register(L *lua.LState, host *lua.LTable) {
	host.RawSetString("fs_write", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if err := m.pctx.WriteFile(name, []byte(L.CheckString(2))); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(fmt.Sprintf("fs_write %s: %v", name, err)))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
}
