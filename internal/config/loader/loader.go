// Package loader reads configuration sources into plain maps.
//
// Each source produces a map[string]any keyed like the TOML document.
// The config package merges the maps in priority order with DeepMerge and
// decodes the result.
package loader

import (
	"os"
)

// Loader is the interface for configuration sources.
type Loader interface {
	// Load reads the source. A source that does not exist returns nil, nil.
	Load() (map[string]any, error)
}

// FileSystem reads whole files. Tests substitute an in-memory version.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

// OSFS reads from the real file system.
type OSFS struct{}

// ReadFile reads the file at path.
func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// DeepMerge merges src into dst. Values in src win; nested maps are merged
// key by key.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = srcVal
	}
	return dst
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path []string, value any) {
	current := data
	for _, part := range path[:len(path)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}
