// Package wasm hosts plugins compiled to WebAssembly.
//
// A .wasm unit is instantiated through Extism with WASI enabled. Settings
// are visible to the module as Extism config values. Grants decide what
// else it can reach: network opens HTTP to any host and imports
// ctfever_fetch_package, process.spawn imports ctfever_install,
// filesystem.read or filesystem.write mounts the data directory at /data,
// and filesystem.write imports ctfever_fs_write.
package wasm
