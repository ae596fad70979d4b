package plugin

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// Handler is the uniform signature of every capability implementation.
type Handler func(ctx context.Context, args Args) (any, error)

// Capability is one callable operation a plugin exposes.
type Capability struct {
	// Name is unique within a plugin.
	Name string

	// Params are the parameter names in declaration order.
	Params []string

	// Schema is an optional JSON Schema the argument bag must satisfy.
	Schema string

	Handler Handler
}

// AttachmentKey is the argument bag key an attachment is merged under.
const AttachmentKey = "file"

// reservedMethods are host facilities and lifecycle hooks. They are never
// dispatchable, whatever a plugin publishes.
var reservedMethods = map[string]struct{}{
	"load":            {},
	"unload":          {},
	"activate":        {},
	"deactivate":      {},
	"capabilities":    {},
	"exclude":         {},
	"logger":          {},
	"data_dir":        {},
	"temp_dir":        {},
	"fs_write":        {},
	"validate_params": {},
	"fetch_package":   {},
	"install_package": {},
	"read_config":     {},
	"write_config":    {},
	"save_temporary":  {},
	"keep_temporary":  {},
	"purge_temporary": {},
}

// IsReserved reports whether name is in the reserved method set.
func IsReserved(name string) bool {
	_, ok := reservedMethods[name]
	return ok
}

// ReservedMethods returns the reserved method set, sorted.
func ReservedMethods() []string {
	names := make([]string, 0, len(reservedMethods))
	for name := range reservedMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CapabilitySet maps method names to capabilities.
type CapabilitySet map[string]Capability

// Names returns the method names, sorted.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params returns method name -> ordered parameter names.
func (s CapabilitySet) Params() map[string][]string {
	out := make(map[string][]string, len(s))
	for name, c := range s {
		params := make([]string, len(c.Params))
		copy(params, c.Params)
		out[name] = params
	}
	return out
}

// CapabilitiesOf computes the dispatchable surface of p: everything it
// publishes minus reserved names, minus the plugin's own exclusions, minus
// extraExclusions. When a name is published twice the first entry wins.
//
// The set is recomputed on every call. A plugin whose capability table
// panics has an empty surface.
func CapabilitiesOf(p Plugin, extraExclusions ...string) (set CapabilitySet) {
	set = CapabilitySet{}
	defer func() {
		if r := recover(); r != nil {
			set = CapabilitySet{}
		}
	}()

	excluded := make(map[string]struct{}, len(extraExclusions))
	for _, name := range extraExclusions {
		excluded[name] = struct{}{}
	}
	if ex, ok := p.(Excluder); ok {
		for _, name := range ex.Exclude() {
			excluded[name] = struct{}{}
		}
	}

	for _, c := range p.Capabilities() {
		if c.Name == "" || c.Handler == nil || IsReserved(c.Name) {
			continue
		}
		if _, skip := excluded[c.Name]; skip {
			continue
		}
		if _, dup := set[c.Name]; dup {
			continue
		}
		set[c.Name] = c
	}
	return set
}

// Args is the key-value argument bag of an invocation.
type Args map[string]any

// Clone returns a shallow copy.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the value under key if it is a string.
func (a Args) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Int returns the value under key as an int. Numbers and numeric strings are
// accepted.
func (a Args) Int(key string) (int, error) {
	switch v := a[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("argument %q: %v is not an integer", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("argument %q is missing", key)
	default:
		return 0, fmt.Errorf("argument %q: unexpected type %T", key, v)
	}
}

// Attachment returns the attachment merged into the bag, if any.
func (a Args) Attachment() (*Attachment, bool) {
	att, ok := a[AttachmentKey].(*Attachment)
	return att, ok && att != nil
}

// Attachment is a raw binary upload that accompanies an invocation.
type Attachment struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}
