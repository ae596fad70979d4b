package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/dshills/ctfever/internal/arena"
)

// Defaults for plugin contexts.
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultTempKeep     = 10
)

// ContextConfig holds everything a Context is built from.
type ContextConfig struct {
	Name     string
	Logger   hclog.Logger
	DataDir  string
	TempDir  arena.TempDir
	Settings map[string]any

	// Grants names the host facilities script units may use.
	Grants []string

	// Pool runs offloaded work. Nil runs it inline.
	Pool *ants.Pool

	// HTTPClient is used by FetchPackage. Nil means a client with FetchTimeout.
	HTTPClient   *http.Client
	FetchTimeout time.Duration

	// TempKeep is the retention used by KeepTemporary(0).
	TempKeep int
}

// Context is the identity and resource handle a plugin is constructed with.
// It is safe for concurrent use.
type Context struct {
	name     string
	logger   hclog.Logger
	dataDir  string
	tempDir  arena.TempDir
	settings map[string]any
	grants   []string
	pool     *ants.Pool
	client   *http.Client
	tempKeep int

	crashed atomic.Bool
	mu      sync.Mutex
	cause   error
	onCrash func(error)
}

// NewContext builds a plugin context.
func NewContext(cfg ContextConfig) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	keep := cfg.TempKeep
	if keep <= 0 {
		keep = DefaultTempKeep
	}
	settings := make(map[string]any, len(cfg.Settings))
	for k, v := range cfg.Settings {
		settings[k] = v
	}
	return &Context{
		name:     cfg.Name,
		logger:   logger,
		dataDir:  cfg.DataDir,
		tempDir:  cfg.TempDir,
		settings: settings,
		grants:   append([]string(nil), cfg.Grants...),
		pool:     cfg.Pool,
		client:   client,
		tempKeep: keep,
	}
}

// Name returns the plugin name.
func (c *Context) Name() string { return c.name }

// Logger returns the plugin's log channel, plugin.<name>.
func (c *Context) Logger() hclog.Logger { return c.logger }

// DataDir returns the plugin's data directory.
func (c *Context) DataDir() string { return c.dataDir }

// TempDir returns the plugin's temporary directory.
func (c *Context) TempDir() arena.TempDir { return c.tempDir }

// Grants returns the host facilities granted to the plugin.
func (c *Context) Grants() []string {
	return append([]string(nil), c.grants...)
}

// Settings returns a copy of the unit settings.
func (c *Context) Settings() map[string]any {
	out := make(map[string]any, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	return out
}

// Setting returns a single unit setting.
func (c *Context) Setting(key string) (any, bool) {
	v, ok := c.settings[key]
	return v, ok
}

// OpenConfig opens a config document in the data directory, creating it from
// defaults when missing. An empty file means config.json.
func (c *Context) OpenConfig(file string, defaults any) (*arena.ConfigStore, error) {
	return arena.OpenConfig(c.dataDir, file, defaults)
}

// KeepTemporary deletes the oldest temporary entry when there are more than
// n. n <= 0 uses the configured retention.
func (c *Context) KeepTemporary(n int) error {
	if n <= 0 {
		n = c.tempKeep
	}
	return c.tempDir.KeepAtMost(n)
}

// PurgeTemporary empties the temporary directory.
func (c *Context) PurgeTemporary() error {
	return c.tempDir.Purge()
}

// SaveTemporary stores an attachment under the temporary directory and
// returns the file path and its directory.
func (c *Context) SaveTemporary(att *Attachment, subdir string) (path, dir string, err error) {
	if att == nil {
		return "", "", errors.New("no attachment")
	}
	return c.tempDir.Save(subdir, att.Filename, att.Content)
}

// WriteFile writes content to name inside the data directory.
func (c *Context) WriteFile(name string, content []byte) error {
	if name == "" || filepath.Base(name) != name || name == ".." {
		return fmt.Errorf("%w: %q", arena.ErrInvalidName, name)
	}
	path := filepath.Join(c.dataDir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// InstallPackage runs an installer command, e.g. a package manager, on behalf
// of the plugin. A command that cannot start or exits non-zero crashes the
// plugin.
func (c *Context) InstallPackage(ctx context.Context, command string, args ...string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = c.dataDir
	cmd.Stdout = buf
	cmd.Stderr = buf

	c.logger.Info("installing package", "command", command, "args", args)
	if err := cmd.Run(); err != nil {
		c.logger.Error("package install failed", "command", command, "error", err, "output", buf.String())
		return c.crash(fmt.Errorf("install %s: %w", command, err))
	}
	c.logger.Debug("package installed", "command", command, "output", buf.String())
	return nil
}

// Offload runs fn on the shared worker pool and waits for it. If ctx ends
// first Offload returns ctx.Err() and fn keeps running to completion.
func (c *Context) Offload(ctx context.Context, fn func() error) error {
	if c.pool == nil {
		return safeRun(fn)
	}
	done := make(chan error, 1)
	if err := c.pool.Submit(func() { done <- safeRun(fn) }); err != nil {
		return fmt.Errorf("offloading work: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Crashed reports whether a host facility failure has made the plugin unusable.
func (c *Context) Crashed() bool {
	return c.crashed.Load()
}

// CrashCause returns the failure that crashed the plugin, if any.
func (c *Context) CrashCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// crash records err as fatal for the plugin, notifies the runtime and returns
// err wrapped with ErrPluginCrashed.
func (c *Context) crash(err error) error {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	notify := c.onCrash
	c.mu.Unlock()
	c.crashed.Store(true)

	if notify != nil {
		notify(err)
	}
	return fmt.Errorf("%w: %w", ErrPluginCrashed, err)
}

// setCrashHandler installs the runtime's eviction callback.
func (c *Context) setCrashHandler(fn func(error)) {
	c.mu.Lock()
	c.onCrash = fn
	c.mu.Unlock()
}

// safeRun calls fn and turns a panic into an error.
func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
