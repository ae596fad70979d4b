package arena

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempDir(t *testing.T) TempDir {
	t.Helper()
	a, err := New(t.TempDir())
	require.NoError(t, err)
	d, err := a.TempDirFor("portscan")
	require.NoError(t, err)
	return d
}

// touch creates name in d with the given age.
func touch(t *testing.T, d TempDir, name string, age time.Duration) {
	t.Helper()
	path := filepath.Join(d.Path(), name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func entryNames(t *testing.T, d TempDir) []string {
	t.Helper()
	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestTempDir_KeepAtMostRemovesOldest(t *testing.T) {
	d := newTempDir(t)
	touch(t, d, "a", 3*time.Hour)
	touch(t, d, "b", 2*time.Hour)
	touch(t, d, "c", time.Hour)

	require.NoError(t, d.KeepAtMost(2))
	assert.ElementsMatch(t, []string{"b", "c"}, entryNames(t, d))
}

func TestTempDir_KeepAtMostRemovesOnlyOne(t *testing.T) {
	d := newTempDir(t)
	touch(t, d, "a", 4*time.Hour)
	touch(t, d, "b", 3*time.Hour)
	touch(t, d, "c", 2*time.Hour)
	touch(t, d, "d", time.Hour)

	require.NoError(t, d.KeepAtMost(1))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, entryNames(t, d))
}

func TestTempDir_KeepAtMostUnderLimit(t *testing.T) {
	d := newTempDir(t)
	touch(t, d, "a", time.Hour)

	require.NoError(t, d.KeepAtMost(1))
	assert.Equal(t, []string{"a"}, entryNames(t, d))
}

func TestTempDir_KeepAtMostRemovesDirectories(t *testing.T) {
	d := newTempDir(t)
	sub := filepath.Join(d.Path(), "old")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(sub, old, old))
	touch(t, d, "new", 0)

	require.NoError(t, d.KeepAtMost(1))
	assert.Equal(t, []string{"new"}, entryNames(t, d))
}

func TestTempDir_Purge(t *testing.T) {
	d := newTempDir(t)
	touch(t, d, "a", 0)
	require.NoError(t, os.MkdirAll(filepath.Join(d.Path(), "x", "y"), 0755))

	require.NoError(t, d.Purge())

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, entryNames(t, d))
}

func TestTempDir_Save(t *testing.T) {
	d := newTempDir(t)

	path, dir, err := d.Save("uploads", "flag.zip", []byte("PK"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d.Path(), "uploads"), dir)
	assert.Regexp(t, regexp.MustCompile(`^flag_[0-9a-f]{6}\.zip$`), filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data))

	other, _, err := d.Save("uploads", "flag.zip", []byte("PK"))
	require.NoError(t, err)
	assert.NotEqual(t, path, other)
}

func TestTempDir_SaveStripsDirectories(t *testing.T) {
	d := newTempDir(t)

	path, dir, err := d.Save("", "../../etc/passwd", nil)
	require.NoError(t, err)
	assert.Equal(t, d.Path(), dir)
	assert.Equal(t, d.Path(), filepath.Dir(path))

	_, _, err = d.Save("../x", "a", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
}
