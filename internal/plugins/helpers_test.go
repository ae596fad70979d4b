package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/arena"
	"github.com/dshills/ctfever/internal/plugin"
)

type harness struct {
	rt   *plugin.Runtime
	data string
}

// newHarness writes an empty manifest for each unit and loads them with the
// compiled-in types.
func newHarness(t *testing.T, units map[string]plugin.UnitOptions, names ...string) *harness {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "plugins")
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dir, 0755))
	a, err := arena.New(data)
	require.NoError(t, err)

	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+plugin.ManifestExt), nil, 0644))
	}

	types := plugin.NewTypeRegistry()
	Register(types)

	logger := hclog.NewNullLogger()
	rt := plugin.NewRuntime(
		plugin.NewLoader(dir, a, plugin.WithTypes(types), plugin.WithLogger(logger), plugin.WithUnitOptions(units)),
		plugin.WithRuntimeLogger(logger),
	)
	require.NoError(t, rt.LoadAll(context.Background()))
	t.Cleanup(func() { rt.UnloadAll(context.Background()) })
	return &harness{rt: rt, data: data}
}

// call validates and invokes like the service does.
func (h *harness) call(name, method string, args plugin.Args) (any, error) {
	ctx := context.Background()
	if args == nil {
		args = plugin.Args{}
	}
	if err := h.rt.Validate(ctx, name, method, args); err != nil {
		return nil, err
	}
	return h.rt.Invoke(ctx, name, method, args)
}
