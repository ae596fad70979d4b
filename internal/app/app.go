// Package app provides the main application structure for CTFever. It wires
// configuration, logging, the plugin runtime with its unit kinds, metrics and
// the call service, and manages the runtime lifecycle.
package app

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/ctfever/internal/arena"
	"github.com/dshills/ctfever/internal/config"
	"github.com/dshills/ctfever/internal/metrics"
	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/lua"
	"github.com/dshills/ctfever/internal/plugin/wasm"
	"github.com/dshills/ctfever/internal/plugins"
	"github.com/dshills/ctfever/internal/service"
)

// Application owns one plugin runtime and everything built around it.
type Application struct {
	mu sync.Mutex

	config *config.Config
	logger hclog.Logger

	arena    *arena.Arena
	pool     *ants.Pool
	types    *plugin.TypeRegistry
	runtime  *plugin.Runtime
	service  *service.Service
	registry *prometheus.Registry

	stopMetrics func()

	// State
	running atomic.Bool
	ready   atomic.Bool
	closed  atomic.Bool

	opts Options
}

// Options configures the application.
type Options struct {
	// LogOutput receives log lines. Defaults to os.Stderr.
	LogOutput io.Writer

	// Logger replaces the logger built from the configuration.
	Logger hclog.Logger

	// RegisterTypes adds compiled-in plugin types. Defaults to
	// plugins.Register.
	RegisterTypes func(*plugin.TypeRegistry)

	// Tracer receives one span per service call.
	Tracer trace.Tracer
}

// New creates an Application for cfg. Nothing is loaded until Start.
func New(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.RegisterTypes == nil {
		opts.RegisterTypes = plugins.Register
	}

	app := &Application{config: cfg, opts: opts}
	if err := app.bootstrap(); err != nil {
		app.release()
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap() error {
	var err error

	// 1. Logging
	app.logger = app.opts.Logger
	if app.logger == nil {
		app.logger = NewLogger(app.config, app.opts.LogOutput)
	}

	// 2. Data arena
	app.arena, err = arena.New(app.config.DataDir)
	if err != nil {
		return &InitError{Component: "arena", Err: err}
	}

	// 3. Offload pool
	if app.config.Workers > 0 {
		app.pool, err = ants.NewPool(app.config.Workers, ants.WithLogger(poolLogger{app.logger.Named("pool")}))
		if err != nil {
			return &InitError{Component: "worker pool", Err: err}
		}
	}

	// 4. Unit loader and runtime
	disabled, err := app.config.DisabledPatterns()
	if err != nil {
		return &InitError{Component: "loader", Err: err}
	}
	app.types = plugin.NewTypeRegistry()
	app.opts.RegisterTypes(app.types)

	loader := plugin.NewLoader(app.config.PluginDir, app.arena,
		plugin.WithLogger(app.logger),
		plugin.WithTypes(app.types),
		plugin.WithResolver(lua.Ext, lua.NewResolver(app.config.Lua.ExecutionTimeout.Std())),
		plugin.WithResolver(wasm.Ext, wasm.NewResolver(app.config.WASM.CallTimeout.Std())),
		plugin.WithUnitOptions(app.config.UnitOptions()),
		plugin.WithDisabled(disabled...),
		plugin.WithPool(app.pool),
		plugin.WithFetchTimeout(app.config.FetchTimeout.Std()),
		plugin.WithTempKeep(app.config.TempKeep),
	)
	app.runtime = plugin.NewRuntime(loader, plugin.WithRuntimeLogger(app.logger.Named("runtime")))

	// 5. Metrics
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(app.runtime, app.pool)
	if err := m.Register(app.registry); err != nil {
		return &InitError{Component: "metrics", Err: err}
	}
	app.stopMetrics = m.Observe(app.runtime)

	// 6. Call service
	svcOpts := []service.Option{service.WithLogger(app.logger.Named("service"))}
	if app.opts.Tracer != nil {
		svcOpts = append(svcOpts, service.WithTracer(app.opts.Tracer))
	}
	app.service = service.New(app.runtime, svcOpts...)

	return nil
}

// Config returns the configuration the application was built with.
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the root logger.
func (app *Application) Logger() hclog.Logger {
	return app.logger
}

// Runtime returns the plugin runtime.
func (app *Application) Runtime() *plugin.Runtime {
	return app.runtime
}

// Service returns the call service.
func (app *Application) Service() *service.Service {
	return app.service
}

// Gatherer returns the registry holding the runtime metrics.
func (app *Application) Gatherer() prometheus.Gatherer {
	return app.registry
}

// Registerer returns the registry for collectors added by the caller.
func (app *Application) Registerer() prometheus.Registerer {
	return app.registry
}

// Types returns the compiled-in plugin types.
func (app *Application) Types() *plugin.TypeRegistry {
	return app.types
}

// InitError represents an initialization error.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
