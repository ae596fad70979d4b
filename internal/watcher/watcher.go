// Package watcher loads plugin units dropped into the plugin directory while
// the runtime is running.
//
// Create, write and rename events are debounced per file; when a file settles
// and names a recognized unit that is not registered, the unit is loaded
// (and optionally activated). Removing a file does not unload its plugin.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/ctfever/internal/plugin"
)

// DefaultDelay is how long a file must be quiet before it is loaded.
const DefaultDelay = 200 * time.Millisecond

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
)

// Runtime is the part of *plugin.Runtime the watcher drives.
type Runtime interface {
	Loader() *plugin.Loader
	Get(name string) (plugin.Descriptor, bool)
	LoadPath(ctx context.Context, path string) error
	Activate(ctx context.Context, name string) error
}

// Stats provides watcher status information.
type Stats struct {
	// Loaded counts units the watcher registered.
	Loaded int64
	// Skipped counts settled files that did not produce a plugin.
	Skipped int64
	// Errors counts fsnotify errors.
	Errors int64

	PendingEvents int
	LastError     error
}

// Watcher watches one plugin directory.
type Watcher struct {
	dir      string
	rt       Runtime
	logger   hclog.Logger
	delay    time.Duration
	activate bool
	onLoad   func(name string)

	fsw *fsnotify.Watcher

	mu        sync.Mutex
	pending   map[string]*time.Timer
	closed    bool
	lastError error

	loaded  atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithActivate activates units after loading them.
func WithActivate(activate bool) Option {
	return func(w *Watcher) { w.activate = activate }
}

// OnLoad registers a callback run after a unit is registered.
func OnLoad(fn func(name string)) Option {
	return func(w *Watcher) { w.onLoad = fn }
}

// New starts watching the runtime's plugin directory. Events are handled
// once Run is called.
func New(rt Runtime, opts ...Option) (*Watcher, error) {
	dir, err := filepath.Abs(rt.Loader().Dir())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrPathNotExist)
		}
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		rt:      rt,
		logger:  hclog.NewNullLogger(),
		delay:   DefaultDelay,
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	w.fsw = fsw
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run handles events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()
	w.logger.Info("watching plugin directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.recordError(err)
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// handle debounces an event for a recognized unit file.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	if _, ok := w.rt.Loader().CandidateFor(ev.Name); !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, exists := w.pending[ev.Name]; exists {
		t.Reset(w.delay)
		return
	}
	path := ev.Name
	w.pending[path] = time.AfterFunc(w.delay, func() { w.settle(ctx, path) })
}

// settle loads the unit at path if it still exists and its name is free.
func (w *Watcher) settle(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	closed := w.closed
	w.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	c, ok := w.rt.Loader().CandidateFor(path)
	if !ok {
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}
	if _, registered := w.rt.Get(c.Name); registered {
		return
	}

	if err := w.rt.LoadPath(ctx, path); err != nil {
		w.skipped.Add(1)
		w.logger.Debug("new unit not loaded", "plugin", c.Name, "error", err)
		return
	}
	w.loaded.Add(1)
	w.logger.Info("loaded new unit", "plugin", c.Name, "unit", path)

	if w.activate {
		if err := w.rt.Activate(ctx, c.Name); err != nil {
			w.logger.Error("failed to activate new unit", "plugin", c.Name, "error", err)
		}
	}
	if w.onLoad != nil {
		w.onLoad(c.Name)
	}
}

// Close stops pending loads and releases the fsnotify watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Loaded:        w.loaded.Load(),
		Skipped:       w.skipped.Load(),
		Errors:        w.errors.Load(),
		PendingEvents: len(w.pending),
		LastError:     w.lastError,
	}
}

func (w *Watcher) recordError(err error) {
	w.errors.Add(1)
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}
