package plugin

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Factory constructs a compiled-in plugin from its context.
type Factory func(pctx *Context) (Plugin, error)

// TypeRegistry maps exported type names to factories for compiled-in plugins.
type TypeRegistry struct {
	factories cmap.ConcurrentMap[string, Factory]
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: cmap.New[Factory]()}
}

// Register adds a factory under typeName. Registering the same name twice is
// a programming error and panics.
func (r *TypeRegistry) Register(typeName string, f Factory) {
	if typeName == "" || f == nil {
		panic("plugin: Register with empty type name or nil factory")
	}
	if !r.factories.SetIfAbsent(typeName, f) {
		panic(fmt.Sprintf("plugin: type %q registered twice", typeName))
	}
}

// Lookup returns the factory for typeName.
func (r *TypeRegistry) Lookup(typeName string) (Factory, bool) {
	return r.factories.Get(typeName)
}

// Types returns the registered type names, sorted.
func (r *TypeRegistry) Types() []string {
	names := r.factories.Keys()
	sort.Strings(names)
	return names
}

// TypeName returns the exported type name a unit identifier resolves to:
// the identifier with its first letter upper-cased and the rest lower-cased,
// so "echo" resolves to "Echo".
func TypeName(identifier string) string {
	if identifier == "" {
		return ""
	}
	r := []rune(strings.ToLower(identifier))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
