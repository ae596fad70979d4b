package security

import (
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// PermissionChecker validates a unit's host calls against its grants.
type PermissionChecker struct {
	mu sync.RWMutex

	capabilities map[Capability]bool

	// File access is confined to the workspace (normalized absolute path).
	workspacePath string

	// Lowercased; "*.example.com" matches subdomains.
	blockedHosts []string

	pluginName string
}

// NewPermissionChecker creates a new permission checker.
func NewPermissionChecker(pluginName string) *PermissionChecker {
	return &PermissionChecker{
		capabilities: make(map[Capability]bool),
		pluginName:   pluginName,
	}
}

// PluginName returns the unit the checker guards.
func (pc *PermissionChecker) PluginName() string {
	return pc.pluginName
}

// Grant grants a capability to the plugin.
func (pc *PermissionChecker) Grant(cap Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.capabilities[cap] = true
}

// GrantAll grants multiple capabilities.
func (pc *PermissionChecker) GrantAll(caps []Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, cap := range caps {
		pc.capabilities[cap] = true
	}
}

// HasCapability returns true if the capability is granted directly or
// implied by a granted one.
func (pc *PermissionChecker) HasCapability(cap Capability) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.capabilities[cap] {
		return true
	}
	for granted := range pc.capabilities {
		if ImpliesCapability(granted, cap) {
			return true
		}
	}
	return false
}

// CheckCapability returns an error if the capability is not granted.
func (pc *PermissionChecker) CheckCapability(cap Capability) error {
	if !pc.HasCapability(cap) {
		return NewCapabilityError(cap, "", "not granted")
	}
	return nil
}

// Capabilities returns all granted capabilities, sorted.
func (pc *PermissionChecker) Capabilities() []Capability {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	caps := make([]Capability, 0, len(pc.capabilities))
	for cap := range pc.capabilities {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// SetWorkspacePath confines file checks to path.
func (pc *PermissionChecker) SetWorkspacePath(path string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.workspacePath = normalizePath(path)
}

// normalizePath returns an absolute, clean path.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// CheckFileRead checks if reading a file is permitted.
func (pc *PermissionChecker) CheckFileRead(path string) error {
	return pc.checkPathAccess(CapabilityFileRead, path, "read file")
}

// CheckFileWrite checks if writing a file is permitted.
func (pc *PermissionChecker) CheckFileWrite(path string) error {
	return pc.checkPathAccess(CapabilityFileWrite, path, "write file")
}

func (pc *PermissionChecker) checkPathAccess(cap Capability, path, operation string) error {
	if !pc.HasCapability(cap) {
		return NewCapabilityError(cap, operation, "not granted")
	}

	pc.mu.RLock()
	workspace := pc.workspacePath
	pc.mu.RUnlock()

	if workspace != "" && !isWithinPath(normalizePath(path), workspace) {
		return NewCapabilityError(cap, operation, "path outside workspace")
	}
	return nil
}

// isWithinPath checks if target is within or equal to base.
// "/tmp/data" does not contain "/tmp/database".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// BlockHost adds a host to the blocked network list.
func (pc *PermissionChecker) BlockHost(host string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.blockedHosts = append(pc.blockedHosts, strings.ToLower(host))
}

// CheckNetwork checks if network access to a host is permitted. host may be
// a bare host, host:port or a URL.
func (pc *PermissionChecker) CheckNetwork(host string) error {
	if !pc.HasCapability(CapabilityNetwork) {
		return NewCapabilityError(CapabilityNetwork, "network request", "not granted")
	}

	hostOnly := strings.ToLower(extractHost(host))

	pc.mu.RLock()
	defer pc.mu.RUnlock()
	for _, blocked := range pc.blockedHosts {
		if matchHost(hostOnly, blocked) {
			return NewCapabilityError(CapabilityNetwork, "network request", "host is blocked")
		}
	}
	return nil
}

// extractHost extracts the host from a URL or host:port string.
func extractHost(hostPort string) string {
	if strings.Contains(hostPort, "://") {
		if u, err := url.Parse(hostPort); err == nil {
			return u.Hostname()
		}
	}
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	// Bracketed IPv6 without a port: [::1]
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// CheckProcess checks if running an installer command is permitted.
func (pc *PermissionChecker) CheckProcess(executable string) error {
	if !pc.HasCapability(CapabilityProcess) {
		return NewCapabilityError(CapabilityProcess, "spawn "+executable, "not granted")
	}
	return nil
}

// matchHost checks if a host matches a pattern. "*.example.com" matches
// subdomains of example.com but not example.com itself.
func matchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
