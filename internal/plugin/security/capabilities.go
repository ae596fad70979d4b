// Package security provides security primitives for the plugin system.
package security

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names a host facility a unit may be granted.
// Capabilities are hierarchical: granting a parent capability
// implicitly grants all child capabilities.
type Capability string

// Capabilities units can be granted.
const (
	// CapabilityFilesystem grants every filesystem capability.
	CapabilityFilesystem Capability = "filesystem"

	// CapabilityFileRead allows reading files inside the unit's data directory.
	CapabilityFileRead Capability = "filesystem.read"

	// CapabilityFileWrite allows writing files inside the unit's data directory.
	CapabilityFileWrite Capability = "filesystem.write"

	// CapabilityNetwork allows downloading data packages.
	CapabilityNetwork Capability = "network"

	// CapabilityProcess allows running installer commands.
	CapabilityProcess Capability = "process.spawn"

	// CapabilityUnsafe grants the full Lua stdlib (debug, io, os) and
	// implies every other capability.
	CapabilityUnsafe Capability = "unsafe"
)

// CapabilityInfo provides metadata about a capability.
type CapabilityInfo struct {
	Name        Capability
	Description string

	// Parent is the parent capability (for hierarchical capabilities).
	Parent Capability

	RiskLevel RiskLevel
}

// RiskLevel indicates the security risk of a capability.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityFilesystem: {
		Name:        CapabilityFilesystem,
		Description: "Read and write files in the data directory",
		RiskLevel:   RiskHigh,
	},
	CapabilityFileRead: {
		Name:        CapabilityFileRead,
		Description: "Read files in the data directory",
		Parent:      CapabilityFilesystem,
		RiskLevel:   RiskMedium,
	},
	CapabilityFileWrite: {
		Name:        CapabilityFileWrite,
		Description: "Write files in the data directory",
		Parent:      CapabilityFilesystem,
		RiskLevel:   RiskHigh,
	},
	CapabilityNetwork: {
		Name:        CapabilityNetwork,
		Description: "Download data packages",
		RiskLevel:   RiskHigh,
	},
	CapabilityProcess: {
		Name:        CapabilityProcess,
		Description: "Run installer commands",
		RiskLevel:   RiskCritical,
	},
	CapabilityUnsafe: {
		Name:        CapabilityUnsafe,
		Description: "Full Lua stdlib access",
		RiskLevel:   RiskCritical,
	},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(cap Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[cap]
	return info, ok
}

// IsValidCapability returns true if the capability is known.
func IsValidCapability(cap Capability) bool {
	_, ok := capabilityRegistry[cap]
	return ok
}

// AllCapabilities returns all known capabilities, sorted.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for cap := range capabilityRegistry {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// ParseCapabilities converts grant names, rejecting unknown ones.
func ParseCapabilities(names []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		c := Capability(strings.TrimSpace(n))
		if !IsValidCapability(c) {
			return nil, NewCapabilityError(c, "", "unknown capability")
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// IsChildOf returns true if child is a child of parent.
func IsChildOf(child, parent Capability) bool {
	return strings.HasPrefix(string(child), string(parent)+".")
}

// ImpliesCapability returns true if having 'granted' implies having 'required'.
func ImpliesCapability(granted, required Capability) bool {
	if granted == required || granted == CapabilityUnsafe {
		return true
	}
	return IsChildOf(required, granted)
}

// CapabilityError represents a capability-related error.
type CapabilityError struct {
	Capability Capability
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("capability %q required for %s: %s", e.Capability, e.Operation, e.Message)
	}
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(cap Capability, operation, message string) *CapabilityError {
	return &CapabilityError{
		Capability: cap,
		Operation:  operation,
		Message:    message,
	}
}
