// Package lua hosts plugin units written in Lua.
//
// A unit is a single .lua file. Running it must define a global table named
// after the file ("Releasenote" for releasenote.lua) whose functions are the
// unit's hooks (load, unload, activate, deactivate, validate_params) and
// capabilities.
//
// # Sandbox
//
// Each unit runs in its own gopher-lua state with base, table, string, math
// and coroutine libraries. dofile, loadfile and load are removed and require
// only reaches safe built-ins and the host module. Grants open more:
//
//   - filesystem.read / filesystem.write: an io table confined to the data
//     directory
//   - unsafe: the full io, os and debug libraries
//
// # Host module
//
// The ctfever table (also available through require "ctfever") exposes the
// plugin context:
//
//	ctfever.name, ctfever.data_dir, ctfever.temp_dir, ctfever.settings
//	ctfever.setting(key [, default])
//	ctfever.log.info(msg [, fields])
//	local store = ctfever.config.open("config.json", {releases = {}})
//	store.get(key [, default]); store.set(key, value); store.del(key); store.all()
//	ctfever.temp.keep(n); ctfever.temp.purge(); ctfever.temp.save(file [, subdir])
//	ctfever.fetch_package(url)      -- network
//	ctfever.install(cmd, args...)   -- process.spawn
//	ctfever.fs_write(name, content) -- filesystem.write
//
// A failing fetch_package or install crashes the unit: the call raises and
// the runtime evicts the plugin once the call returns.
package lua
