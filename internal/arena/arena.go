// Package arena provides the per-plugin filesystem resources of the runtime:
// a data directory, a temporary directory with a retention policy, and a
// JSON configuration store kept inside the data directory.
//
// Every operation is a synchronous filesystem call. Nothing is cached, so a
// read always reflects what is on disk.
package arena

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempDirName is the name of the temporary directory inside a data directory.
const TempDirName = "temp"

// Arena hands out plugin-scoped directories below a single data root.
type Arena struct {
	root string
}

// New creates an arena rooted at root, creating the directory if needed.
func New(root string) (*Arena, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating data root %s: %w", abs, err)
	}
	return &Arena{root: abs}, nil
}

// Root returns the absolute data root.
func (a *Arena) Root() string {
	return a.root
}

// DataDirFor returns <root>/<name>, creating it if missing.
// Calling it again never clears an existing directory.
func (a *Arena) DataDirFor(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(a.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating data dir for %q: %w", name, err)
	}
	return dir, nil
}

// TempDirFor returns <root>/<name>/temp, creating it (and the data
// directory) if missing.
func (a *Arena) TempDirFor(name string) (TempDir, error) {
	dataDir, err := a.DataDirFor(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(dataDir, TempDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating temp dir for %q: %w", name, err)
	}
	return TempDir(dir), nil
}

// checkName rejects names that would escape the data root.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
