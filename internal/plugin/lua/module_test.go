package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/plugin"
)

func TestHostCore(t *testing.T) {
	u, fx := resolveScript(t, "core", `
local host = require("ctfever")
Core = {}
function Core.info()
    host.log.info("info called", { n = 1 })
    return { name = host.name, data = host.data_dir, greeting = host.setting("greeting"),
             fallback = host.setting("missing", "dflt") }
end
`)
	got, err := call(t, u, "info", plugin.Args{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name":     "core",
		"data":     fx.dataDir,
		"greeting": "hi",
		"fallback": "dflt",
	}, got)
}

func TestHostConfigRoundTrip(t *testing.T) {
	u, fx := resolveScript(t, "conf", `
Conf = {}
function Conf.store(key, value)
    local cfg = assert(ctfever.config.open("settings.json", { retries = 3 }))
    cfg.set(key, value)
    return cfg.get(key)
end
function Conf.retries()
    local cfg = assert(ctfever.config.open("settings.json"))
    return cfg.get("retries", 0)
end
function Conf.forget(key)
    local cfg = assert(ctfever.config.open("settings.json"))
    cfg.del(key)
    return cfg.get(key, "gone")
end
`)
	got, err := call(t, u, "store", plugin.Args{"key": "token", "value": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	got, err = call(t, u, "retries", plugin.Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	data, err := os.ReadFile(filepath.Join(fx.dataDir, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"token": "abc"`)

	got, err = call(t, u, "forget", plugin.Args{"key": "token"})
	require.NoError(t, err)
	assert.Equal(t, "gone", got)
}

func TestHostTempSave(t *testing.T) {
	u, _ := resolveScript(t, "saver", `
Saver = {}
function Saver.keep(file)
    local path, dir = ctfever.temp.save(file)
    return path
end
`)
	got, err := call(t, u, "keep", plugin.Args{"file": &plugin.Attachment{Filename: "x.txt", Content: []byte("data")}})
	require.NoError(t, err)

	path, ok := got.(string)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestHostGatedFunctions(t *testing.T) {
	src := `
Gated = {}
function Gated.has()
    return { fetch = ctfever.fetch_package ~= nil, install = ctfever.install ~= nil,
             write = ctfever.fs_write ~= nil }
end
function Gated.write(name, content)
    return ctfever.fs_write(name, content)
end
`
	u, _ := resolveScript(t, "gated", src)
	got, err := call(t, u, "has", plugin.Args{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fetch": false, "install": false, "write": false}, got)

	u, fx := resolveScript(t, "gated", src, "network", "filesystem.write", "bogus")
	got, err = call(t, u, "has", plugin.Args{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fetch": true, "install": false, "write": true}, got)

	got, err = call(t, u, "write", plugin.Args{"name": "out.txt", "content": "x"})
	require.NoError(t, err)
	assert.Equal(t, true, got)
	data, err := os.ReadFile(filepath.Join(fx.dataDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	_, err = call(t, u, "write", plugin.Args{"name": "../escape.txt", "content": "x"})
	require.Error(t, err)
}

func TestInstallHostSkipsUngranted(t *testing.T) {
	state := NewState(nil)
	defer state.Close()

	pctx := plugin.NewContext(plugin.ContextConfig{Name: "bare", DataDir: t.TempDir()})
	installed := InstallHost(state.L, state.Sandbox().Checker(), HostModules(pctx))
	assert.Equal(t, []string{"config", "core", "temp"}, installed)

	require.NoError(t, state.DoString(context.Background(), `assert(require("ctfever").name == "bare")`))
}
