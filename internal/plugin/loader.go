package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"

	"github.com/dshills/ctfever/internal/arena"
)

// Candidate is a unit file found in the plugin directory.
type Candidate struct {
	// Name is the plugin name: the file's base name without extension,
	// lower-cased.
	Name string
	Path string
	Ext  string
}

// Resolver turns a candidate into a plugin instance bound to pctx. It returns
// an error matching ErrUnresolved when the unit has no implementation.
type Resolver interface {
	Resolve(ctx context.Context, c Candidate, pctx *Context) (Plugin, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, c Candidate, pctx *Context) (Plugin, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, c Candidate, pctx *Context) (Plugin, error) {
	return f(ctx, c, pctx)
}

// UnitOptions are per-plugin settings supplied by the runtime configuration.
type UnitOptions struct {
	Settings map[string]any
	Grants   []string
}

// LoadedUnit is a plugin whose load hook succeeded.
type LoadedUnit struct {
	Candidate
	Instance Plugin
	Ctx      *Context

	// Manifest is set for .plugin units.
	Manifest *Manifest
}

// Loader discovers units in a directory and loads them.
type Loader struct {
	dir    string
	arena  *arena.Arena
	logger hclog.Logger

	resolvers map[string]Resolver
	units     map[string]UnitOptions
	disabled  []glob.Glob

	pool         *ants.Pool
	client       *http.Client
	fetchTimeout time.Duration
	tempKeep     int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger plugin channels derive from.
func WithLogger(logger hclog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithResolver handles files with extension ext (".lua") with r.
func WithResolver(ext string, r Resolver) LoaderOption {
	return func(l *Loader) {
		l.resolvers[strings.ToLower(ext)] = r
	}
}

// WithTypes resolves .plugin units through the type registry.
func WithTypes(types *TypeRegistry) LoaderOption {
	return WithResolver(ManifestExt, typeResolver(types))
}

// WithUnitOptions sets per-plugin settings and grants, keyed by plugin name.
func WithUnitOptions(units map[string]UnitOptions) LoaderOption {
	return func(l *Loader) {
		for name, opts := range units {
			l.units[strings.ToLower(name)] = opts
		}
	}
}

// WithDisabled skips units whose name matches any of the patterns.
func WithDisabled(patterns ...glob.Glob) LoaderOption {
	return func(l *Loader) {
		l.disabled = append(l.disabled, patterns...)
	}
}

// WithPool sets the worker pool plugins offload work onto.
func WithPool(pool *ants.Pool) LoaderOption {
	return func(l *Loader) {
		l.pool = pool
	}
}

// WithHTTPClient sets the client used for package fetches.
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.client = client
	}
}

// WithFetchTimeout sets the package fetch timeout.
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.fetchTimeout = d
	}
}

// WithTempKeep sets the default temporary file retention.
func WithTempKeep(n int) LoaderOption {
	return func(l *Loader) {
		l.tempKeep = n
	}
}

// NewLoader creates a loader for units in dir, with per-plugin directories
// under a.
func NewLoader(dir string, a *arena.Arena, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:       dir,
		arena:     a,
		logger:    hclog.NewNullLogger(),
		resolvers: make(map[string]Resolver),
		units:     make(map[string]UnitOptions),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the plugin directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Extensions returns the recognized unit extensions, sorted.
func (l *Loader) Extensions() []string {
	exts := make([]string, 0, len(l.resolvers))
	for ext := range l.resolvers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// CandidateFor returns the candidate for a unit file, or false when the file
// is not a recognized unit.
func (l *Loader) CandidateFor(path string) (Candidate, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return Candidate{}, false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if _, ok := l.resolvers[ext]; !ok {
		return Candidate{}, false
	}
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" {
		return Candidate{}, false
	}
	return Candidate{Name: name, Path: path, Ext: ext}, true
}

// Discover lists the unit files in the plugin directory, sorted by file name.
// The directory is rescanned on every call. A missing directory has no units.
func (l *Loader) Discover() ([]Candidate, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugin directory: %w", err)
	}

	var out []Candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if c, ok := l.CandidateFor(filepath.Join(l.dir, entry.Name())); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// IsDisabled reports whether configuration disables the named plugin.
func (l *Loader) IsDisabled(name string) bool {
	for _, g := range l.disabled {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Load resolves a candidate, creates its directories and context, and runs
// its load hook. A unit whose hook reports NotImplemented or fails, or which
// crashed while loading, is released and returned as an error.
func (l *Loader) Load(ctx context.Context, c Candidate) (*LoadedUnit, error) {
	if l.IsDisabled(c.Name) {
		return nil, fmt.Errorf("%s: %w", c.Name, ErrDisabled)
	}
	r, ok := l.resolvers[c.Ext]
	if !ok {
		return nil, fmt.Errorf("%s: %w: no resolver for %q", c.Name, ErrUnresolved, c.Ext)
	}

	opts := l.units[c.Name]
	settings := opts.Settings
	grants := opts.Grants
	var manifest *Manifest
	if c.Ext == ManifestExt {
		m, err := LoadManifest(c.Path)
		if err != nil {
			return nil, &LoadError{Plugin: c.Name, Err: err}
		}
		manifest = m
		settings = mergeSettings(m.Settings, opts.Settings)
		grants = unionGrants(m.Grants, opts.Grants)
	}

	dataDir, err := l.arena.DataDirFor(c.Name)
	if err != nil {
		return nil, &LoadError{Plugin: c.Name, Err: err}
	}
	tempDir, err := l.arena.TempDirFor(c.Name)
	if err != nil {
		return nil, &LoadError{Plugin: c.Name, Err: err}
	}

	pctx := NewContext(ContextConfig{
		Name:         c.Name,
		Logger:       l.logger.ResetNamed("plugin." + c.Name),
		DataDir:      dataDir,
		TempDir:      tempDir,
		Settings:     settings,
		Grants:       grants,
		Pool:         l.pool,
		HTTPClient:   l.client,
		FetchTimeout: l.fetchTimeout,
		TempKeep:     l.tempKeep,
	})

	inst, err := resolve(ctx, r, c, pctx)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		return nil, &LoadError{Plugin: c.Name, Err: err}
	}

	outcome := runLoad(ctx, inst)
	if outcome.Status == LoadOk && pctx.Crashed() {
		outcome = Failed(pctx.CrashCause())
	}
	if err := outcome.Err(c.Name); err != nil {
		closeInstance(inst)
		return nil, err
	}

	return &LoadedUnit{Candidate: c, Instance: inst, Ctx: pctx, Manifest: manifest}, nil
}

func typeResolver(types *TypeRegistry) Resolver {
	return ResolverFunc(func(_ context.Context, c Candidate, pctx *Context) (Plugin, error) {
		typeName := TypeName(c.Name)
		f, ok := types.Lookup(typeName)
		if !ok {
			return nil, fmt.Errorf("%w: type %q is not registered", ErrUnresolved, typeName)
		}
		return f(pctx)
	})
}

func resolve(ctx context.Context, r Resolver, c Candidate, pctx *Context) (p Plugin, err error) {
	defer func() {
		if v := recover(); v != nil {
			p, err = nil, &PanicError{Value: v}
		}
	}()
	p, err = r.Resolve(ctx, c, pctx)
	if err == nil && p == nil {
		err = fmt.Errorf("resolver returned no instance for %s", c.Path)
	}
	return p, err
}

func runLoad(ctx context.Context, p Plugin) (out LoadOutcome) {
	defer func() {
		if v := recover(); v != nil {
			out = Failed(&PanicError{Value: v})
		}
	}()
	return p.Load(ctx)
}

// closeInstance releases instances that hold host resources, such as
// interpreter states.
func closeInstance(p Plugin) {
	if c, ok := p.(io.Closer); ok {
		c.Close()
	}
}

// mergeSettings overlays configured settings on manifest settings.
func mergeSettings(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func unionGrants(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, g := range append(append([]string(nil), a...), b...) {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}
