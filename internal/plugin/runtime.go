package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Runtime owns the registry of loaded plugins and drives their lifecycle.
// One Runtime is created by the process entry point and shared by reference.
type Runtime struct {
	mu sync.RWMutex

	loader *Loader
	logger hclog.Logger

	// Registered plugins by name
	plugins map[string]*entry

	// Registration order (for deterministic iteration)
	order []string

	// Event handlers (protected by mu)
	handlers []EventHandler
}

// entry is one registered plugin.
type entry struct {
	unit *LoadedUnit

	// mu serializes lifecycle hooks.
	mu    sync.Mutex
	state atomic.Int32

	// inflight counts calls and hooks currently running plugin code.
	inflight atomic.Int32
	evicted  atomic.Bool
	finished atomic.Bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the runtime's own log channel.
func WithRuntimeLogger(logger hclog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRuntime creates an empty runtime that loads units with loader.
func NewRuntime(loader *Loader, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		loader:  loader,
		logger:  hclog.NewNullLogger(),
		plugins: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EventHandler handles runtime events.
// Handlers must be non-blocking and should not call back into the Runtime.
// Panics in handlers are recovered.
type EventHandler func(event Event)

// Event is a lifecycle or dispatch notification.
type Event struct {
	Type   EventType
	Plugin string

	// Method and Duration are set for EventInvoked.
	Method   string
	Duration time.Duration

	Err error
}

// EventType is the type of runtime event.
type EventType int

const (
	// EventLoaded is emitted when a plugin is registered.
	EventLoaded EventType = iota
	// EventUnloaded is emitted when a plugin leaves the registry.
	EventUnloaded
	// EventCrashed is emitted before the unload of a crashed plugin.
	EventCrashed
	// EventActivated is emitted when a plugin is activated.
	EventActivated
	// EventDeactivated is emitted when a plugin is deactivated.
	EventDeactivated
	// EventLoadSkipped is emitted when a candidate does not make it into the registry.
	EventLoadSkipped
	// EventInvoked is emitted after every dispatched call.
	EventInvoked
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	case EventCrashed:
		return "crashed"
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventLoadSkipped:
		return "load_skipped"
	case EventInvoked:
		return "invoked"
	default:
		return "unknown"
	}
}

// Descriptor is a snapshot of a registered plugin.
type Descriptor struct {
	Name    string
	State   State
	Unit    string
	Kind    string
	DataDir string
	TempDir string
}

// Loader returns the loader the runtime uses.
func (r *Runtime) Loader() *Loader {
	return r.loader
}

// LoadAll discovers every unit and loads each one independently. Candidates
// that fail are logged and skipped; only a discovery failure is returned.
func (r *Runtime) LoadAll(ctx context.Context) error {
	candidates, err := r.loader.Discover()
	if err != nil {
		return err
	}
	for _, c := range candidates {
		_ = r.LoadOne(ctx, c)
	}
	r.logger.Info("plugins loaded", "candidates", len(candidates), "registered", r.Count())
	return nil
}

// LoadPath loads the unit file at path.
func (r *Runtime) LoadPath(ctx context.Context, path string) error {
	c, ok := r.loader.CandidateFor(path)
	if !ok {
		return fmt.Errorf("%s: %w: unrecognized unit file", path, ErrUnresolved)
	}
	return r.LoadOne(ctx, c)
}

// LoadOne loads a single candidate and registers it in state Loaded. A name
// that is already registered must be unloaded first.
func (r *Runtime) LoadOne(ctx context.Context, c Candidate) error {
	if _, exists := r.lookup(c.Name); exists {
		return fmt.Errorf("plugin %q: %w", c.Name, ErrAlreadyLoaded)
	}

	unit, err := r.loader.Load(ctx, c)
	if err != nil {
		r.logSkip(c, err)
		r.emitEvent(Event{Type: EventLoadSkipped, Plugin: c.Name, Err: err})
		return err
	}

	e := &entry{unit: unit}
	e.setState(StateLoaded)

	r.mu.Lock()
	if _, exists := r.plugins[c.Name]; exists {
		r.mu.Unlock()
		closeInstance(unit.Instance)
		return fmt.Errorf("plugin %q: %w", c.Name, ErrAlreadyLoaded)
	}
	r.plugins[c.Name] = e
	r.order = append(r.order, c.Name)
	r.mu.Unlock()

	unit.Ctx.setCrashHandler(func(cause error) { r.crashed(e, cause) })

	r.logger.Info("plugin loaded", "plugin", c.Name, "unit", c.Path)
	r.emitEvent(Event{Type: EventLoaded, Plugin: c.Name})
	return nil
}

func (r *Runtime) logSkip(c Candidate, err error) {
	switch {
	case errors.Is(err, ErrDisabled):
		r.logger.Info("plugin disabled, skipping", "plugin", c.Name)
	case errors.Is(err, ErrUnresolved):
		r.logger.Warn("no implementation for unit, skipping", "plugin", c.Name, "unit", c.Path, "error", err)
	case errors.Is(err, ErrLoadNotImplemented):
		r.logger.Warn("plugin does not implement load, skipping", "plugin", c.Name)
	default:
		r.logger.Error("plugin failed to load, skipping", "plugin", c.Name, "error", err)
	}
}

// Activate runs the activate hook of a Loaded plugin.
func (r *Runtime) Activate(ctx context.Context, name string) error {
	return r.transition(ctx, name, StateActive, EventActivated, Plugin.Activate)
}

// Deactivate runs the deactivate hook of an Active plugin.
func (r *Runtime) Deactivate(ctx context.Context, name string) error {
	return r.transition(ctx, name, StateDeactivated, EventDeactivated, Plugin.Deactivate)
}

func (r *Runtime) transition(ctx context.Context, name string, next State, ev EventType, hook func(Plugin, context.Context) error) error {
	e, ok := r.lookup(name)
	if !ok || !r.enter(e) {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}

	e.mu.Lock()
	if state := e.getState(); !state.canMoveTo(next) {
		e.mu.Unlock()
		r.leave(e)
		return fmt.Errorf("plugin %q is %s, cannot become %s: %w", name, state, next, ErrInvalidState)
	}
	err := safeRun(func() error { return hook(e.unit.Instance, ctx) })
	if err == nil {
		e.setState(next)
	}
	e.mu.Unlock()
	r.leave(e)

	if err != nil {
		r.logger.Error("plugin hook failed", "plugin", name, "state", next, "error", err)
		return fmt.Errorf("plugin %q: %w", name, err)
	}
	r.emitEvent(Event{Type: ev, Plugin: name})
	return nil
}

// ActivateAll activates every Loaded plugin in registration order. One
// plugin's failure does not stop the others.
func (r *Runtime) ActivateAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.namesIn(StateLoaded) {
		if err := r.Activate(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to activate %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// DeactivateAll deactivates every Active plugin in registration order.
func (r *Runtime) DeactivateAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.namesIn(StateActive) {
		if err := r.Deactivate(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to deactivate %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Unload runs the plugin's unload hook and removes it from the registry.
// The name is free for a new load as soon as Unload returns.
func (r *Runtime) Unload(ctx context.Context, name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	if !r.evict(ctx, e) {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	return nil
}

// UnloadAll unloads all plugins in reverse registration order.
func (r *Runtime) UnloadAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, len(r.order))
	for i, name := range r.order {
		names[len(r.order)-1-i] = name
	}
	r.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := r.Unload(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to unload %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Reload unloads a plugin and loads its unit again.
func (r *Runtime) Reload(ctx context.Context, name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	c := e.unit.Candidate
	if err := r.Unload(ctx, name); err != nil {
		return err
	}
	return r.LoadOne(ctx, c)
}

// crashed is the crash handler installed on every plugin context. The
// plugin leaves the registry at once so its name can be loaded again; the
// unload hook runs once the last in-flight call of the plugin returns.
func (r *Runtime) crashed(e *entry, cause error) {
	r.logger.Error("plugin crashed", "plugin", e.unit.Name, "error", cause)
	r.detach(e)
	e.inflight.Add(1)
	r.leave(e)
}

// enter marks a call into plugin code. It returns false for evicted or
// crashed plugins.
func (r *Runtime) enter(e *entry) bool {
	e.inflight.Add(1)
	if e.evicted.Load() || e.unit.Ctx.Crashed() {
		r.leave(e)
		return false
	}
	return true
}

// leave ends a call into plugin code. Must not be called with e.mu held.
func (r *Runtime) leave(e *entry) {
	if e.inflight.Add(-1) == 0 && e.evicted.Load() && e.unit.Ctx.Crashed() {
		r.finish(context.Background(), e, e.unit.Ctx.CrashCause())
	}
}

// evict removes e from the registry and runs its unload hook. It returns
// false if e was already evicted.
func (r *Runtime) evict(ctx context.Context, e *entry) bool {
	if !r.detach(e) {
		return false
	}
	r.finish(ctx, e, nil)
	return true
}

// detach removes e from the registry. It returns false if e was already
// detached.
func (r *Runtime) detach(e *entry) bool {
	if !e.evicted.CompareAndSwap(false, true) {
		return false
	}
	name := e.unit.Name

	r.mu.Lock()
	if r.plugins[name] == e {
		delete(r.plugins, name)
		r.removeFromOrder(name)
	}
	r.mu.Unlock()
	return true
}

// finish runs the unload hook of a detached entry and closes its instance.
// Only the first call has an effect.
func (r *Runtime) finish(ctx context.Context, e *entry, cause error) {
	if !e.finished.CompareAndSwap(false, true) {
		return
	}
	name := e.unit.Name
	if cause != nil {
		r.emitEvent(Event{Type: EventCrashed, Plugin: name, Err: cause})
	}

	e.mu.Lock()
	err := safeRun(func() error { return e.unit.Instance.Unload(ctx) })
	e.setState(StateUnloaded)
	e.mu.Unlock()
	closeInstance(e.unit.Instance)

	if err != nil {
		r.logger.Warn("plugin unload hook failed", "plugin", name, "error", err)
	}
	if cause != nil {
		r.logger.Error("plugin unloaded after crash", "plugin", name, "cause", cause)
	} else {
		r.logger.Info("plugin unloaded", "plugin", name)
	}
	r.emitEvent(Event{Type: EventUnloaded, Plugin: name, Err: cause})
}

// Get returns a snapshot of the named plugin.
func (r *Runtime) Get(name string) (Descriptor, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.describe(), true
}

// List returns all registered plugins in registration order.
func (r *Runtime) List() []Descriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.plugins[name])
	}
	r.mu.RUnlock()

	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.describe())
	}
	return out
}

// Capabilities returns the current capability set of the named plugin.
func (r *Runtime) Capabilities(name string) (CapabilitySet, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	return CapabilitiesOf(e.unit.Instance), nil
}

// PluginLogger returns the log channel of the named plugin.
func (r *Runtime) PluginLogger(name string) (hclog.Logger, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.unit.Ctx.Logger(), true
}

// Count returns the number of registered plugins.
func (r *Runtime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (r *Runtime) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	index := len(r.handlers) - 1
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(r.handlers) {
			r.handlers[index] = nil
		}
	}
}

func (r *Runtime) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[name]
	return e, ok
}

// namesIn returns registered names whose state is s, in registration order.
func (r *Runtime) namesIn(s State) []string {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.plugins[name])
	}
	r.mu.RUnlock()

	var names []string
	for _, e := range entries {
		if e.getState() == s {
			names = append(names, e.unit.Name)
		}
	}
	return names
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (r *Runtime) emitEvent(event Event) {
	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				recover() // Ignore panics from handlers
			}()
			handler(event)
		}()
	}
}

// removeFromOrder removes a name from the order slice.
// Must be called with mu held.
func (r *Runtime) removeFromOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (e *entry) getState() State  { return State(e.state.Load()) }
func (e *entry) setState(s State) { e.state.Store(int32(s)) }

func (e *entry) describe() Descriptor {
	return Descriptor{
		Name:    e.unit.Name,
		State:   e.getState(),
		Unit:    e.unit.Path,
		Kind:    e.unit.Ext,
		DataDir: e.unit.Ctx.DataDir(),
		TempDir: e.unit.Ctx.TempDir().Path(),
	}
}
