package arena

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	a, err := New(root)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(a.Root()))
	info, err := os.Stat(a.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDataDirFor_Layout(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	dataDir, err := a.DataDirFor("echo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "echo"), dataDir)

	tempDir, err := a.TempDirFor("echo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "echo", TempDirName), tempDir.Path())

	info, err := os.Stat(tempDir.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDataDirFor_KeepsContents(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := a.DataDirFor("releasenote")
	require.NoError(t, err)
	marker := filepath.Join(dir, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0644))

	again, err := a.DataDirFor("releasenote")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.FileExists(t, marker)
}

func TestDataDirFor_RejectsEscapingNames(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`, "a..b"} {
		_, err := a.DataDirFor(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestDataDirFor_IdempotentProperty(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "name")
		calls := rapid.IntRange(1, 5).Draw(t, "calls")

		first, err := a.DataDirFor(name)
		if err != nil {
			t.Fatalf("DataDirFor(%q): %v", name, err)
		}
		for i := 1; i < calls; i++ {
			got, err := a.DataDirFor(name)
			if err != nil {
				t.Fatalf("DataDirFor(%q) call %d: %v", name, i, err)
			}
			if got != first {
				t.Fatalf("DataDirFor(%q) = %q, want %q", name, got, first)
			}
		}
		if _, err := os.Stat(first); errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s does not exist", first)
		}
	})
}
