package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	extism "github.com/extism/go-sdk"

	"github.com/dshills/ctfever/internal/plugin"
	"github.com/dshills/ctfever/internal/plugin/security"
)

// Host functions are imported from the extism:host/user namespace. Strings
// and JSON values are passed as Extism memory offsets. Functions returning
// i32 return 1 on success and 0 on failure; failures are logged on the
// plugin's channel.
//
//	ctfever_config_get(key) -> json          always
//	ctfever_config_set(key, json) -> i32     always
//	ctfever_fetch_package(url) -> i32        network
//	ctfever_install(argv json) -> i32        process.spawn
//	ctfever_fs_write(name, content) -> i32   filesystem.write
func hostFunctions(pctx *plugin.Context, checker *security.PermissionChecker) []extism.HostFunction {
	fns := []extism.HostFunction{
		configGet(pctx),
		configSet(pctx),
	}
	if checker.HasCapability(security.CapabilityNetwork) {
		fns = append(fns, fetchPackage(pctx))
	}
	if checker.HasCapability(security.CapabilityProcess) {
		fns = append(fns, install(pctx))
	}
	if checker.HasCapability(security.CapabilityFileWrite) {
		fns = append(fns, fsWrite(pctx))
	}
	return fns
}

var (
	ptr = []extism.ValueType{extism.ValueTypePTR}
	i32 = []extism.ValueType{extism.ValueTypeI32}
)

func status(stack []uint64, err error, pctx *plugin.Context, fn string) {
	if err != nil {
		pctx.Logger().Error("host function failed", "function", fn, "error", err)
		stack[0] = 0
		return
	}
	stack[0] = 1
}

func configGet(pctx *plugin.Context) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"ctfever_config_get",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			key, err := p.ReadString(stack[0])
			if err != nil {
				stack[0] = 0
				return
			}
			store, err := pctx.OpenConfig("", nil)
			if err != nil {
				pctx.Logger().Error("opening config", "error", err)
				stack[0] = 0
				return
			}
			v, _, err := store.Get(key)
			if err != nil {
				pctx.Logger().Error("reading config", "key", key, "error", err)
			}
			raw, _ := json.Marshal(v)
			offset, err := p.WriteBytes(raw)
			if err != nil {
				stack[0] = 0
				return
			}
			stack[0] = offset
		},
		ptr, ptr,
	)
}

func configSet(pctx *plugin.Context) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"ctfever_config_set",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			err := func() error {
				key, err := p.ReadString(stack[0])
				if err != nil {
					return err
				}
				raw, err := p.ReadBytes(stack[1])
				if err != nil {
					return err
				}
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return fmt.Errorf("config value for %q: %w", key, err)
				}
				store, err := pctx.OpenConfig("", nil)
				if err != nil {
					return err
				}
				return store.Set(key, v)
			}()
			status(stack, err, pctx, "ctfever_config_set")
		},
		[]extism.ValueType{extism.ValueTypePTR, extism.ValueTypePTR}, i32,
	)
}

func fetchPackage(pctx *plugin.Context) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"ctfever_fetch_package",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			url, err := p.ReadString(stack[0])
			if err == nil {
				err = pctx.FetchPackage(ctx, url)
			}
			status(stack, err, pctx, "ctfever_fetch_package")
		},
		ptr, i32,
	)
}

func install(pctx *plugin.Context) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"ctfever_install",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			err := func() error {
				raw, err := p.ReadBytes(stack[0])
				if err != nil {
					return err
				}
				var argv []string
				if err := json.Unmarshal(raw, &argv); err != nil || len(argv) == 0 {
					return fmt.Errorf("install expects a JSON array of command and arguments")
				}
				return pctx.InstallPackage(ctx, argv[0], argv[1:]...)
			}()
			status(stack, err, pctx, "ctfever_install")
		},
		ptr, i32,
	)
}

func fsWrite(pctx *plugin.Context) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"ctfever_fs_write",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			err := func() error {
				name, err := p.ReadString(stack[0])
				if err != nil {
					return err
				}
				content, err := p.ReadBytes(stack[1])
				if err != nil {
					return err
				}
				return pctx.WriteFile(name, content)
			}()
			status(stack, err, pctx, "ctfever_fs_write")
		},
		[]extism.ValueType{extism.ValueTypePTR, extism.ValueTypePTR}, i32,
	)
}
