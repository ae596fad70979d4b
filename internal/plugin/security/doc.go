// Package security implements the capability model that gates host calls
// made by script units.
//
// A unit is granted capabilities by name, from its manifest or from the
// runtime configuration:
//
//   - filesystem, filesystem.read, filesystem.write: files inside the unit's
//     data directory
//   - network: downloading data packages
//   - process.spawn: running installer commands
//   - unsafe: the full Lua stdlib; implies every other capability
//
// Granting a parent capability ("filesystem") grants its children
// ("filesystem.read", "filesystem.write").
//
//	checker := security.NewPermissionChecker("example")
//	checker.Grant(security.CapabilityFileRead)
//	checker.SetWorkspacePath(dataDir)
//
//	if err := checker.CheckFileRead(path); err != nil {
//	    // denied
//	}
package security
