package plugin

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/arena"
)

// fakePlugin is a compiled-in plugin whose behavior is set per test.
type fakePlugin struct {
	Base

	load       func(ctx context.Context) LoadOutcome
	caps       []Capability
	exclude    []string
	validate   func(args Args) string
	activate   func() error
	deactivate func() error

	unloads atomic.Int32
	closed  atomic.Bool
}

func (p *fakePlugin) Load(ctx context.Context) LoadOutcome {
	if p.load == nil {
		return Ok()
	}
	return p.load(ctx)
}

func (p *fakePlugin) Unload(context.Context) error {
	p.unloads.Add(1)
	return nil
}

func (p *fakePlugin) Activate(context.Context) error {
	if p.activate == nil {
		return nil
	}
	return p.activate()
}

func (p *fakePlugin) Deactivate(context.Context) error {
	if p.deactivate == nil {
		return nil
	}
	return p.deactivate()
}

func (p *fakePlugin) Capabilities() []Capability { return p.caps }
func (p *fakePlugin) Exclude() []string          { return p.exclude }

func (p *fakePlugin) ValidateParams(_ context.Context, args Args) string {
	if p.validate == nil {
		return ""
	}
	return p.validate(args)
}

func (p *fakePlugin) Close() error {
	p.closed.Store(true)
	return nil
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// harness is a runtime over a temporary plugin directory whose .plugin units
// resolve through a type registry.
type harness struct {
	rt    *Runtime
	dir   string
	arena *arena.Arena
	types *TypeRegistry
	log   *syncBuffer
}

func newHarness(t *testing.T, opts ...LoaderOption) *harness {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "plugins")
	require.NoError(t, os.MkdirAll(dir, 0755))
	a, err := arena.New(filepath.Join(root, "data"))
	require.NoError(t, err)

	h := &harness{dir: dir, arena: a, types: NewTypeRegistry(), log: &syncBuffer{}}
	logger := hclog.New(&hclog.LoggerOptions{Name: "test", Output: h.log, Level: hclog.Debug})

	opts = append([]LoaderOption{WithTypes(h.types), WithLogger(logger)}, opts...)
	h.rt = NewRuntime(NewLoader(dir, a, opts...), WithRuntimeLogger(logger.Named("runtime")))
	t.Cleanup(func() { h.rt.UnloadAll(context.Background()) })
	return h
}

// unit writes <name>.plugin with manifest as its content.
func (h *harness) unit(t *testing.T, name, manifest string) string {
	t.Helper()
	path := filepath.Join(h.dir, name+ManifestExt)
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))
	return path
}

// add registers the type for name and writes its unit file.
func (h *harness) add(t *testing.T, name string, f Factory) {
	t.Helper()
	h.types.Register(TypeName(name), f)
	h.unit(t, name, "")
}

// addPlugin registers p as the instance of name, binding its context.
func (h *harness) addPlugin(t *testing.T, name string, p *fakePlugin) {
	t.Helper()
	h.add(t, name, func(pctx *Context) (Plugin, error) {
		p.Base = NewBase(pctx)
		return p, nil
	})
}

func (h *harness) loadAll(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rt.LoadAll(context.Background()))
}

func names(ds []Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

func echoCapability() Capability {
	return Capability{
		Name:   "echo",
		Params: []string{"message"},
		Handler: func(_ context.Context, args Args) (any, error) {
			return map[string]any{"message": args["message"]}, nil
		},
	}
}
