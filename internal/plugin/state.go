package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is not registered. Only candidates and evicted
	// plugins are in this state.
	StateUnloaded State = iota

	// StateLoaded - Load hook succeeded and the plugin is registered.
	StateLoaded

	// StateActive - Activate hook has run.
	StateActive

	// StateDeactivated - Deactivate hook has run. The plugin stays registered
	// until it is unloaded.
	StateDeactivated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// IsRegistered returns true if a plugin in this state is in the registry.
func (s State) IsRegistered() bool {
	return s == StateLoaded || s == StateActive || s == StateDeactivated
}

// canMoveTo reports whether the lifecycle allows s -> next.
// The only backwards edge is eviction to StateUnloaded.
func (s State) canMoveTo(next State) bool {
	switch next {
	case StateUnloaded:
		return s != StateUnloaded
	case StateLoaded:
		return s == StateUnloaded
	case StateActive:
		return s == StateLoaded
	case StateDeactivated:
		return s == StateActive
	}
	return false
}
