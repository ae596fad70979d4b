// Package config loads the ctfever runtime configuration.
//
// Configuration is layered, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Command line flags      │  ← applied by the caller
//	├─────────────────────────────┤
//	│  3. CTFEVER_* environment   │
//	├─────────────────────────────┤
//	│  2. ctfever.toml            │
//	├─────────────────────────────┤
//	│  1. Built-in defaults       │
//	└─────────────────────────────┘
//
// A complete file:
//
//	plugin_dir = "plugins"
//	data_dir   = "data"
//	log_level  = "info"
//	log_json   = false
//	temp_keep  = 10
//	workers    = 8
//	fetch_timeout = "10s"
//	disabled   = ["nothing", "legacy_*"]
//
//	[lua]
//	execution_timeout = "30s"
//
//	[wasm]
//	call_timeout = "30s"
//
//	[plugins.portscan]
//	grants = ["network"]
//
//	[plugins.portscan.settings]
//	blacklist = ["10.*"]
//
// Environment variables map onto the same keys: CTFEVER_PLUGIN_DIR,
// CTFEVER_DATA_DIR, CTFEVER_LOG_LEVEL, CTFEVER_LOG_JSON, CTFEVER_TEMP_KEEP,
// CTFEVER_WORKERS, CTFEVER_FETCH_TIMEOUT, CTFEVER_LUA_EXECUTION_TIMEOUT,
// CTFEVER_WASM_CALL_TIMEOUT, CTFEVER_DISABLED (comma-separated) and
// CTFEVER_PLUGINS_<NAME>_GRANTS (comma-separated).
package config
