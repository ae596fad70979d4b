package plugin

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// Plugin is a loaded unit. Every hook may be called concurrently with
// handlers of other plugins but the runtime never calls two hooks of the same
// plugin at once.
type Plugin interface {
	// Load prepares the plugin. It runs once, before registration.
	Load(ctx context.Context) LoadOutcome

	// Unload releases resources. It runs when the plugin is removed,
	// voluntarily or after a crash.
	Unload(ctx context.Context) error

	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error

	// Capabilities returns the plugin's capability table.
	Capabilities() []Capability
}

// Excluder is implemented by plugins that hide some of their own capabilities.
type Excluder interface {
	Exclude() []string
}

// ParamsValidator is implemented by plugins that check an argument bag before
// any call. An empty result means the arguments are valid; anything else is
// a description of what is wrong.
type ParamsValidator interface {
	ValidateParams(ctx context.Context, args Args) string
}

// LoadStatus is the tag of a LoadOutcome.
type LoadStatus int

const (
	// LoadOk - the plugin is ready to register.
	LoadOk LoadStatus = iota
	// LoadNotImplemented - the plugin has no load hook of its own.
	LoadNotImplemented
	// LoadFailed - the load hook ran and failed.
	LoadFailed
)

// String returns a string representation of the status.
func (s LoadStatus) String() string {
	switch s {
	case LoadOk:
		return "ok"
	case LoadNotImplemented:
		return "not implemented"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadOutcome is the result of a load hook.
type LoadOutcome struct {
	Status LoadStatus
	Cause  error
}

// Ok reports a successful load.
func Ok() LoadOutcome {
	return LoadOutcome{Status: LoadOk}
}

// NotImplemented reports a plugin without a load hook.
func NotImplemented() LoadOutcome {
	return LoadOutcome{Status: LoadNotImplemented}
}

// Failed reports a failed load.
func Failed(cause error) LoadOutcome {
	return LoadOutcome{Status: LoadFailed, Cause: cause}
}

// Err converts the outcome for plugin name into an error, nil when Ok.
func (o LoadOutcome) Err(name string) error {
	switch o.Status {
	case LoadOk:
		return nil
	case LoadNotImplemented:
		return ErrLoadNotImplemented
	default:
		cause := o.Cause
		if cause == nil {
			cause = ErrLoadFailed
		}
		return &LoadError{Plugin: name, Err: cause}
	}
}

// Base is embedded by compiled-in plugins. It carries the plugin context and
// supplies no-op hooks. Its Load reports NotImplemented, so a plugin must
// define its own.
type Base struct {
	Ctx *Context
}

// NewBase returns a Base bound to pctx.
func NewBase(pctx *Context) Base {
	return Base{Ctx: pctx}
}

func (Base) Load(context.Context) LoadOutcome { return NotImplemented() }
func (Base) Unload(context.Context) error     { return nil }
func (Base) Activate(context.Context) error   { return nil }
func (Base) Deactivate(context.Context) error { return nil }
func (Base) Capabilities() []Capability       { return nil }

// Logger returns the plugin's own log channel.
func (b Base) Logger() hclog.Logger {
	if b.Ctx == nil {
		return hclog.NewNullLogger()
	}
	return b.Ctx.Logger()
}
