package lua

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/security"
)

// Ext is the extension of Lua units.
const Ext = ".lua"

// Resolver loads .lua units. Each unit gets its own sandboxed state.
type Resolver struct {
	timeout time.Duration
}

// NewResolver creates a resolver whose units time out calls after timeout.
// Zero uses DefaultExecutionTimeout.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Resolver{timeout: timeout}
}

// Resolve runs the script and binds the global table named after the unit.
// A script that does not define that table is unresolved.
func (r *Resolver) Resolve(ctx context.Context, c plugin.Candidate, pctx *plugin.Context) (plugin.Plugin, error) {
	checker := security.NewPermissionChecker(c.Name)
	checker.SetWorkspacePath(pctx.DataDir())
	for _, g := range pctx.Grants() {
		cap := security.Capability(g)
		if !security.IsValidCapability(cap) {
			pctx.Logger().Warn("ignoring unknown grant", "grant", g)
			continue
		}
		checker.Grant(cap)
	}

	state := NewState(checker, WithExecutionTimeout(r.timeout))
	InstallHost(state.L, checker, HostModules(pctx))

	if err := state.DoFile(ctx, c.Path); err != nil {
		state.Close()
		return nil, fmt.Errorf("running %s: %w", c.Path, err)
	}

	typeName := plugin.TypeName(c.Name)
	table, ok := state.GetGlobal(typeName).(*lua.LTable)
	if !ok {
		state.Close()
		return nil, fmt.Errorf("%w: %s does not define table %s", plugin.ErrUnresolved, c.Path, typeName)
	}
	return NewUnit(pctx, state, table), nil
}
