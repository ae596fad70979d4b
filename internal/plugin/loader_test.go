package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/arena"
)

func TestLoaderDiscover(t *testing.T) {
	h := newHarness(t, WithResolver(".LUA", ResolverFunc(func(context.Context, Candidate, *Context) (Plugin, error) {
		return nil, ErrUnresolved
	})))

	for _, name := range []string{"zeta.plugin", "Alpha.lua", "notes.txt", ".hidden.lua", "_draft.plugin"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(h.dir, "dir.lua"), 0755))

	candidates, err := h.rt.Loader().Discover()
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, Candidate{Name: "alpha", Path: filepath.Join(h.dir, "Alpha.lua"), Ext: ".lua"}, candidates[0])
	assert.Equal(t, Candidate{Name: "zeta", Path: filepath.Join(h.dir, "zeta.plugin"), Ext: ManifestExt}, candidates[1])
	assert.Equal(t, []string{".lua", ".plugin"}, h.rt.Loader().Extensions())
}

func TestLoaderDiscoverIsFresh(t *testing.T) {
	h := newHarness(t)

	candidates, err := h.rt.Loader().Discover()
	require.NoError(t, err)
	assert.Empty(t, candidates)

	h.unit(t, "late", "")
	candidates, err = h.rt.Loader().Discover()
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestLoaderDiscoverMissingDirectory(t *testing.T) {
	a, err := arena.New(t.TempDir())
	require.NoError(t, err)
	l := NewLoader(filepath.Join(t.TempDir(), "absent"), a)

	candidates, err := l.Discover()
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestLoaderLoadBuildsContext(t *testing.T) {
	var got *Context
	h := newHarness(t, WithUnitOptions(map[string]UnitOptions{
		"Echo": {Settings: map[string]any{"prefix": "!"}, Grants: []string{"network"}},
	}))
	h.types.Register("Echo", func(pctx *Context) (Plugin, error) {
		got = pctx
		info, err := os.Stat(pctx.DataDir())
		if err != nil || !info.IsDir() {
			return nil, errors.New("data dir missing before construction")
		}
		return &fakePlugin{Base: NewBase(pctx)}, nil
	})
	path := h.unit(t, "echo", "version: 1.0.0\nsettings:\n  prefix: \">\"\n  width: 3\ngrants: [filesystem.read]\n")

	unit, err := h.rt.Loader().Load(context.Background(), Candidate{Name: "echo", Path: path, Ext: ManifestExt})
	require.NoError(t, err)
	require.NotNil(t, unit.Manifest)
	assert.Equal(t, "1.0.0", unit.Manifest.Version)

	require.NotNil(t, got)
	assert.Equal(t, "echo", got.Name())
	assert.Equal(t, filepath.Join(h.arena.Root(), "echo"), got.DataDir())
	assert.Equal(t, filepath.Join(h.arena.Root(), "echo", "temp"), got.TempDir().Path())
	assert.Equal(t, map[string]any{"prefix": "!", "width": 3}, got.Settings())
	assert.Equal(t, []string{"filesystem.read", "network"}, got.Grants())
	assert.Equal(t, "plugin.echo", got.Logger().Name())
}

func TestLoaderLoadOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.addPlugin(t, "missing", &fakePlugin{load: func(context.Context) LoadOutcome { return NotImplemented() }})
	h.addPlugin(t, "failing", &fakePlugin{load: func(context.Context) LoadOutcome { return Failed(errors.New("no deps")) }})
	panicking := &fakePlugin{load: func(context.Context) LoadOutcome { panic("boom") }}
	h.addPlugin(t, "panicking", panicking)
	h.add(t, "broken", func(*Context) (Plugin, error) { return nil, errors.New("constructor failed") })
	h.unit(t, "orphan", "")

	load := func(name string) error {
		_, err := h.rt.Loader().Load(ctx, Candidate{Name: name, Path: filepath.Join(h.dir, name+ManifestExt), Ext: ManifestExt})
		return err
	}

	assert.ErrorIs(t, load("missing"), ErrLoadNotImplemented)

	err := load("failing")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "failing", loadErr.Plugin)
	assert.EqualError(t, loadErr.Err, "no deps")

	err = load("panicking")
	assert.ErrorIs(t, err, ErrLoadFailed)
	var panicErr *PanicError
	assert.ErrorAs(t, err, &panicErr)
	assert.True(t, panicking.closed.Load(), "failed instance must be released")

	assert.ErrorIs(t, load("broken"), ErrLoadFailed)
	assert.ErrorIs(t, load("orphan"), ErrUnresolved)
}

func TestLoaderCrashDuringLoadFails(t *testing.T) {
	h := newHarness(t)
	var p *fakePlugin
	p = &fakePlugin{load: func(context.Context) LoadOutcome {
		p.Ctx.crash(errors.New("dependency fetch failed"))
		return Ok()
	}}
	h.addPlugin(t, "fetcher", p)

	_, err := h.rt.Loader().Load(context.Background(), Candidate{Name: "fetcher", Path: filepath.Join(h.dir, "fetcher.plugin"), Ext: ManifestExt})
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorContains(t, err, "dependency fetch failed")
}

func TestLoaderDisabled(t *testing.T) {
	h := newHarness(t, WithDisabled(glob.MustCompile("scan*"), glob.MustCompile("{tmp,old}")))
	h.addPlugin(t, "scanner", &fakePlugin{})
	h.addPlugin(t, "old", &fakePlugin{})
	h.addPlugin(t, "echo", &fakePlugin{})

	l := h.rt.Loader()
	assert.True(t, l.IsDisabled("scanner"))
	assert.True(t, l.IsDisabled("old"))
	assert.False(t, l.IsDisabled("echo"))

	h.loadAll(t)
	assert.Equal(t, []string{"echo"}, names(h.rt.List()))
	assert.Contains(t, h.log.String(), "plugin disabled, skipping")
}

func TestLoaderInvalidManifest(t *testing.T) {
	h := newHarness(t)
	h.types.Register("Bad", func(pctx *Context) (Plugin, error) { return &fakePlugin{Base: NewBase(pctx)}, nil })
	path := h.unit(t, "bad", "grants: [root]\n")

	_, err := h.rt.Loader().Load(context.Background(), Candidate{Name: "bad", Path: path, Ext: ManifestExt})
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}
