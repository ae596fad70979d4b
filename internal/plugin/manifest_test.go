package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.plugin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, `
description: Scans TCP ports
version: 1.2.0-beta.1
settings:
  timeout: 2
  blacklist: ["*.gov"]
grants: [network, process.spawn]
`))
	require.NoError(t, err)
	assert.Equal(t, "Scans TCP ports", m.Description)
	assert.Equal(t, "1.2.0-beta.1", m.Version)
	assert.Equal(t, 2, m.Settings["timeout"])
	assert.Equal(t, []any{"*.gov"}, m.Settings["blacklist"])
	assert.Equal(t, []string{"network", "process.spawn"}, m.Grants)
}

func TestLoadManifestEmpty(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, ""))
	require.NoError(t, err)
	assert.Empty(t, m.Settings)
	assert.Empty(t, m.Grants)
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"bad version", "version: one\n", ErrInvalidVersion},
		{"bad grant", "grants: [everything]\n", ErrInvalidGrant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.content))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := LoadManifest(writeManifest(t, "settings: [unclosed\n"))
	assert.Error(t, err)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.plugin"))
	assert.Error(t, err)
}
