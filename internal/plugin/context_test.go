package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/arena"
)

func newTestContext(t *testing.T, cfg ContextConfig) *Context {
	t.Helper()
	a, err := arena.New(t.TempDir())
	require.NoError(t, err)
	if cfg.Name == "" {
		cfg.Name = "probe"
	}
	cfg.DataDir, err = a.DataDirFor(cfg.Name)
	require.NoError(t, err)
	cfg.TempDir, err = a.TempDirFor(cfg.Name)
	require.NoError(t, err)
	return NewContext(cfg)
}

func TestContextIdentity(t *testing.T) {
	settings := map[string]any{"a": 1}
	pctx := newTestContext(t, ContextConfig{Name: "probe", Settings: settings, Grants: []string{"network"}})

	assert.Equal(t, "probe", pctx.Name())
	assert.NotNil(t, pctx.Logger())

	settings["a"] = 2
	v, ok := pctx.Setting("a")
	require.True(t, ok)
	assert.Equal(t, 1, v, "settings are copied at construction")

	got := pctx.Settings()
	got["b"] = true
	_, ok = pctx.Setting("b")
	assert.False(t, ok)

	grants := pctx.Grants()
	grants[0] = "unsafe"
	assert.Equal(t, []string{"network"}, pctx.Grants())
}

func TestContextTemporaryFiles(t *testing.T) {
	pctx := newTestContext(t, ContextConfig{TempKeep: 2})

	path, dir, err := pctx.SaveTemporary(&Attachment{Filename: "../../evil.txt", Content: []byte("x")}, "upload")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pctx.TempDir().Path(), "upload"), dir)
	assert.Regexp(t, `evil_[0-9a-f]{6}\.txt$`, path)

	_, _, err = pctx.SaveTemporary(nil, "upload")
	assert.Error(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := pctx.SaveTemporary(&Attachment{Filename: "f.bin"}, "")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, pctx.KeepTemporary(0))
	entries, err := os.ReadDir(pctx.TempDir().Path())
	require.NoError(t, err)
	assert.Len(t, entries, 3, "one oldest entry removed per call")

	require.NoError(t, pctx.PurgeTemporary())
	entries, err = os.ReadDir(pctx.TempDir().Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestContextWriteFile(t *testing.T) {
	pctx := newTestContext(t, ContextConfig{})

	require.NoError(t, pctx.WriteFile("out.txt", []byte("data")))
	data, err := os.ReadFile(filepath.Join(pctx.DataDir(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	for _, name := range []string{"", "..", "a/b", "../x"} {
		assert.ErrorIs(t, pctx.WriteFile(name, nil), arena.ErrInvalidName, name)
	}
}

func TestContextConfig(t *testing.T) {
	pctx := newTestContext(t, ContextConfig{})

	store, err := pctx.OpenConfig("", map[string]any{"level": 1})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pctx.DataDir(), "config.json"), store.Path())
	assert.Equal(t, 1.0, store.GetOr("level", 0))
}

func TestContextInstallPackage(t *testing.T) {
	ctx := context.Background()

	pctx := newTestContext(t, ContextConfig{})
	require.NoError(t, pctx.InstallPackage(ctx, os.Args[0], "-test.run=^$"))
	assert.False(t, pctx.Crashed())

	var notified atomic.Int32
	pctx.setCrashHandler(func(error) { notified.Add(1) })
	err := pctx.InstallPackage(ctx, "ctfever-no-such-installer")
	assert.ErrorIs(t, err, ErrPluginCrashed)
	assert.True(t, pctx.Crashed())
	assert.Equal(t, int32(1), notified.Load())
	assert.ErrorContains(t, pctx.CrashCause(), "ctfever-no-such-installer")
}

func TestContextOffload(t *testing.T) {
	ctx := context.Background()
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	for _, pctx := range []*Context{
		newTestContext(t, ContextConfig{}),
		newTestContext(t, ContextConfig{Pool: pool}),
	} {
		var ran atomic.Bool
		require.NoError(t, pctx.Offload(ctx, func() error {
			ran.Store(true)
			return nil
		}))
		assert.True(t, ran.Load())

		assert.EqualError(t, pctx.Offload(ctx, func() error { return errors.New("work failed") }), "work failed")

		err := pctx.Offload(ctx, func() error { panic("worker") })
		var panicErr *PanicError
		assert.ErrorAs(t, err, &panicErr)
	}
}

func TestContextOffloadHonorsCancellation(t *testing.T) {
	pool, err := ants.NewPool(1)
	require.NoError(t, err)
	defer pool.Release()

	pctx := newTestContext(t, ContextConfig{Pool: pool})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	err = pctx.Offload(ctx, func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
