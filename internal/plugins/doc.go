// Package plugins contains the compiled-in tool plugins. Each one is enabled
// by a <name>.plugin manifest in the plugin directory.
package plugins

import "github.com/dshills/ctfever/internal/plugin"

// Register adds every compiled-in plugin type to types.
func Register(types *plugin.TypeRegistry) {
	types.Register("Echo", NewEcho)
	types.Register("Releasenote", NewReleasenote)
	types.Register("Portscan", NewPortscan)
	types.Register("Ziputil", NewZiputil)
}
