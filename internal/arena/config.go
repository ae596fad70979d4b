package arena

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// DefaultConfigFile is the file name used when none is given.
const DefaultConfigFile = "config.json"

// prettyOptions matches the four-space layout config files have always used.
var prettyOptions = &pretty.Options{Width: 80, Prefix: "", Indent: "    ", SortKeys: false}

// ConfigStore is a JSON object document in a plugin's data directory.
//
// Each mutation reads the document, changes one key and rewrites the whole
// file. There is no locking: two concurrent mutations race and the last
// rewrite wins for the entire document. The rewrite goes through a temporary
// file and a rename, so readers see either the old or the new document.
type ConfigStore struct {
	path string
}

// OpenConfig opens the store at dataDir/file. If the file does not exist it is
// created from defaults, serialized as-is. A nil defaults value means an empty
// object. The stored document is parsed before returning so a corrupt file is
// reported immediately with ErrConfigCorrupt.
func OpenConfig(dataDir, file string, defaults any) (*ConfigStore, error) {
	if file == "" {
		file = DefaultConfigFile
	}
	if filepath.Base(file) != file {
		return nil, fmt.Errorf("%w: config file %q", ErrInvalidName, file)
	}

	c := &ConfigStore{path: filepath.Join(dataDir, file)}

	if _, err := os.Stat(c.path); errors.Is(err, os.ErrNotExist) {
		if defaults == nil {
			defaults = map[string]any{}
		}
		data, err := json.Marshal(defaults)
		if err != nil {
			return nil, fmt.Errorf("encoding config defaults: %w", err)
		}
		if !gjson.ParseBytes(data).IsObject() {
			return nil, ErrInvalidDefaults
		}
		if err := writeFileAtomic(c.path, data); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", c.path, err)
	}

	if _, err := c.read(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the absolute path of the document.
func (c *ConfigStore) Path() string {
	return c.path
}

// Raw returns the document bytes as stored.
func (c *ConfigStore) Raw() ([]byte, error) {
	return c.read()
}

// All returns the whole document.
func (c *ConfigStore) All() (map[string]any, error) {
	data, err := c.read()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigCorrupt, c.path, err)
	}
	return doc, nil
}

// Get returns the value stored under key and whether it exists.
func (c *ConfigStore) Get(key string) (any, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	data, err := c.read()
	if err != nil {
		return nil, false, err
	}
	r := gjson.GetBytes(data, escapeKey(key))
	if !r.Exists() {
		return nil, false, nil
	}
	return r.Value(), true, nil
}

// GetOr returns the value under key, or def when the key is absent or the
// document cannot be read.
func (c *ConfigStore) GetOr(key string, def any) any {
	v, ok, err := c.Get(key)
	if err != nil || !ok {
		return def
	}
	return v
}

// Set stores value under key and rewrites the document.
func (c *ConfigStore) Set(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	data, err := c.read()
	if err != nil {
		return err
	}
	out, err := sjson.SetBytes(data, escapeKey(key), value)
	if err != nil {
		return fmt.Errorf("setting config key %q: %w", key, err)
	}
	return writeFileAtomic(c.path, pretty.PrettyOptions(out, prettyOptions))
}

// Delete removes key and rewrites the document.
func (c *ConfigStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	data, err := c.read()
	if err != nil {
		return err
	}
	path := escapeKey(key)
	if !gjson.GetBytes(data, path).Exists() {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	out, err := sjson.DeleteBytes(data, path)
	if err != nil {
		return fmt.Errorf("deleting config key %q: %w", key, err)
	}
	return writeFileAtomic(c.path, pretty.PrettyOptions(out, prettyOptions))
}

// read loads the document from disk and checks that it is a JSON object.
func (c *ConfigStore) read() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", c.path, err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%w: %s", ErrConfigCorrupt, c.path)
	}
	return data, nil
}

// escapeKey turns a flat key into a gjson/sjson path that addresses exactly
// that top-level key.
func escapeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)
	for _, r := range key {
		if strings.ContainsRune(`\.*?|#@!=<>%:~`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// writeFileAtomic replaces path with data via a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
