package plugins

import (
	"context"

	"github.com/dshills/ctfever/internal/plugin"
)

// Echo returns its message, optionally behind the "prefix" setting.
type Echo struct {
	plugin.Base
	prefix string
}

// NewEcho creates the echo plugin.
func NewEcho(pctx *plugin.Context) (plugin.Plugin, error) {
	return &Echo{Base: plugin.NewBase(pctx)}, nil
}

func (e *Echo) Load(context.Context) plugin.LoadOutcome {
	if p, ok := e.Ctx.Setting("prefix"); ok {
		s, ok := p.(string)
		if !ok {
			return plugin.Failed(errPrefix)
		}
		e.prefix = s
	}
	e.Logger().Info("loaded")
	return plugin.Ok()
}

func (e *Echo) Capabilities() []plugin.Capability {
	return []plugin.Capability{{
		Name:    "echo",
		Params:  []string{"message"},
		Handler: e.echo,
	}}
}

func (e *Echo) echo(_ context.Context, args plugin.Args) (any, error) {
	msg := args["message"]
	if e.prefix != "" {
		if s, ok := msg.(string); ok {
			msg = e.prefix + s
		}
	}
	return map[string]any{"message": msg}, nil
}
