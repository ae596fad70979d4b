package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/ctfever/internal/watcher"
)

// ShutdownTimeout bounds the unload hooks run by Run on exit.
const ShutdownTimeout = 5 * time.Second

// Start loads every unit in the plugin directory and activates the ones that
// loaded. A plugin that fails to activate stays loaded and is reported in
// the returned error; the application is ready either way.
func (app *Application) Start(ctx context.Context) error {
	if app.closed.Load() {
		return ErrClosed
	}
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.ready.Load() {
		return nil
	}
	if err := app.runtime.LoadAll(ctx); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	err := app.runtime.ActivateAll(ctx)
	app.ready.Store(true)
	app.logger.Info("runtime started", "plugins", app.runtime.Count(), "dir", app.config.PluginDir)
	return err
}

// Run starts the runtime, loads units that appear in the plugin directory
// while it runs, and shuts down when ctx ends.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	if err := app.Start(ctx); err != nil {
		app.logger.Warn("startup incomplete", "error", err)
	}

	w, err := watcher.New(app.runtime,
		watcher.WithLogger(app.logger.Named("watcher")),
		watcher.WithActivate(true),
	)
	if err != nil {
		app.Shutdown(context.Background())
		return &InitError{Component: "watcher", Err: err}
	}

	err = w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if serr := app.Shutdown(shutdownCtx); serr != nil {
		app.logger.Warn("shutdown incomplete", "error", serr)
	}
	return err
}

// Ready reports whether Start has loaded the plugins. It is the readiness
// check of the run command.
func (app *Application) Ready() error {
	if app.closed.Load() {
		return ErrClosed
	}
	if !app.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// IsRunning returns true while Run is executing.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Shutdown deactivates and unloads every plugin, then releases the worker
// pool. Calling it again does nothing.
func (app *Application) Shutdown(ctx context.Context) error {
	if !app.closed.CompareAndSwap(false, true) {
		return nil
	}
	app.mu.Lock()
	defer app.mu.Unlock()

	app.ready.Store(false)

	// 1. Deactivate in registration order, then unload in reverse
	derr := app.runtime.DeactivateAll(ctx)
	uerr := app.runtime.UnloadAll(ctx)

	// 2. Stop metrics and the pool
	app.release()

	app.logger.Info("runtime stopped")
	if derr != nil {
		return derr
	}
	return uerr
}

// release stops the components that hold goroutines.
func (app *Application) release() {
	if app.stopMetrics != nil {
		app.stopMetrics()
		app.stopMetrics = nil
	}
	if app.pool != nil {
		app.pool.Release()
		app.pool = nil
	}
}
