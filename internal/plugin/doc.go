// Package plugin hosts tool plugins inside the ctfever process.
//
// A plugin is a unit file in the plugin directory. The file's base name is
// the plugin name and its extension selects how the unit is resolved:
//
//	echo.plugin    compiled-in Go type Echo, looked up in a TypeRegistry
//	example.lua    Lua script defining the global table Example
//	hash.wasm      Extism module
//
// # Loading
//
// The Loader creates the plugin's data and temporary directories, builds a
// Context (name, plugin.<name> log channel, directories, settings, grants)
// and hands it to the resolver. The resulting instance runs its Load hook,
// which returns a LoadOutcome:
//
//	Ok()              the plugin is registered in StateLoaded
//	NotImplemented()  the plugin is skipped with a warning
//	Failed(cause)     the plugin is skipped with an error
//
// A failure of one candidate never stops the others.
//
// # Dispatch
//
// Runtime.Invoke checks, in order, that the plugin is registered, that the
// method is not reserved, that it is in the plugin's capability set and that
// the argument count matches the capability's parameters. Capabilities come
// from CapabilitiesOf and are recomputed on every call.
//
//	rt := plugin.NewRuntime(loader)
//	if err := rt.LoadAll(ctx); err != nil {
//	    return err
//	}
//	out, err := rt.Invoke(ctx, "echo", "echo", plugin.Args{"message": "hi"})
//
// Runtime.Validate runs a plugin's ParamsValidator and the capability's JSON
// Schema; callers use it to reject a bag before invoking.
//
// # Crashes
//
// Context.FetchPackage and Context.InstallPackage crash the plugin when the
// package cannot be obtained. The runtime removes a crashed plugin from the
// registry inside the crashing call, so the name is free for a new load at
// once. The unload hook runs when the last in-flight call returns.
package plugin
