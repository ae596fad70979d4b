package plugin

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/dshills/ctfever/internal/plugin/security"
)

// ManifestExt is the extension of compiled-in unit manifests.
const ManifestExt = ".plugin"

// Manifest describes a compiled-in unit. The unit's implementation type is
// not named here: it follows from the file name.
//
//	# echo.plugin
//	description: Echoes its arguments
//	version: 1.0.0
//	settings:
//	  prefix: ">"
//	grants: [network]
type Manifest struct {
	Description string         `yaml:"description"`
	Version     string         `yaml:"version"`
	Settings    map[string]any `yaml:"settings"`
	Grants      []string       `yaml:"grants"`
}

// Manifest validation errors.
var (
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrInvalidGrant   = errors.New("manifest: unknown grant")
)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifest reads and validates a manifest. An empty file is a valid
// manifest with no settings.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if m.Version != "" && !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}
	for _, g := range m.Grants {
		if !security.IsValidCapability(security.Capability(g)) {
			return fmt.Errorf("%w: %q", ErrInvalidGrant, g)
		}
	}
	return nil
}
