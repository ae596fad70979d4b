package arena

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TempDir is a plugin's temporary directory.
type TempDir string

// Path returns the directory path.
func (d TempDir) Path() string {
	return string(d)
}

// KeepAtMost deletes the single oldest entry (by modification time) when the
// directory holds more than n entries. Only one entry is removed per call, so
// the count may still exceed n afterwards. Entries may be files or
// directories; directories are removed recursively.
func (d TempDir) KeepAtMost(n int) error {
	entries, err := os.ReadDir(string(d))
	if err != nil {
		return fmt.Errorf("listing temp dir %s: %w", d, err)
	}
	if len(entries) <= n {
		return nil
	}

	var oldest string
	var oldestMod int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed concurrently.
			continue
		}
		mod := info.ModTime().UnixNano()
		if oldest == "" || mod < oldestMod {
			oldest = e.Name()
			oldestMod = mod
		}
	}
	if oldest == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(string(d), oldest)); err != nil {
		return fmt.Errorf("removing %s from temp dir: %w", oldest, err)
	}
	return nil
}

// Purge removes the directory with everything in it and recreates it empty.
func (d TempDir) Purge() error {
	if err := os.RemoveAll(string(d)); err != nil {
		return fmt.Errorf("purging temp dir %s: %w", d, err)
	}
	if err := os.MkdirAll(string(d), 0755); err != nil {
		return fmt.Errorf("recreating temp dir %s: %w", d, err)
	}
	return nil
}

// Save writes content below the temp dir as <subdir>/<base>_<6 hex><ext>,
// where base and ext come from filename. It returns the file path and the
// directory that holds it. An empty subdir stores the file at the top level.
func (d TempDir) Save(subdir, filename string, content []byte) (path, dir string, err error) {
	dir = string(d)
	if subdir != "" {
		if err := checkName(subdir); err != nil {
			return "", "", err
		}
		dir = filepath.Join(dir, subdir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("creating %s: %w", dir, err)
	}

	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "upload"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]

	path = filepath.Join(dir, base+"_"+suffix+ext)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", "", fmt.Errorf("saving temporary %s: %w", path, err)
	}
	return path, dir, nil
}
