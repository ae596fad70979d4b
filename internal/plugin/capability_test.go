package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Args) (any, error) { return nil, nil }

func TestCapabilitiesOf(t *testing.T) {
	p := &fakePlugin{
		caps: []Capability{
			{Name: "scan", Params: []string{"host", "port"}, Handler: noop},
			{Name: "scan", Params: []string{"ignored"}, Handler: noop},
			{Name: "load", Handler: noop},
			{Name: "purge_temporary", Handler: noop},
			{Name: "helper", Handler: noop},
			{Name: "debug", Handler: noop},
			{Name: "", Handler: noop},
			{Name: "nohandler"},
		},
		exclude: []string{"helper"},
	}

	set := CapabilitiesOf(p, "debug")
	assert.Equal(t, []string{"scan"}, set.Names())
	assert.Equal(t, map[string][]string{"scan": {"host", "port"}}, set.Params())
}

func TestCapabilitiesOfIsRecomputed(t *testing.T) {
	p := &fakePlugin{caps: []Capability{{Name: "a", Handler: noop}}}
	assert.Equal(t, []string{"a"}, CapabilitiesOf(p).Names())

	p.caps = append(p.caps, Capability{Name: "b", Handler: noop})
	p.exclude = []string{"a"}
	assert.Equal(t, []string{"b"}, CapabilitiesOf(p).Names())
}

type panickingTable struct{ fakePlugin }

func (*panickingTable) Capabilities() []Capability { panic("table") }

func TestCapabilitiesOfRecoversPanics(t *testing.T) {
	assert.Empty(t, CapabilitiesOf(&panickingTable{}))
}

func TestCapabilitySetParamsAreCopies(t *testing.T) {
	set := CapabilitiesOf(&fakePlugin{caps: []Capability{{Name: "a", Params: []string{"x"}, Handler: noop}}})
	params := set.Params()
	params["a"][0] = "changed"
	assert.Equal(t, []string{"x"}, set["a"].Params)
}

func TestReservedMethods(t *testing.T) {
	reserved := ReservedMethods()
	assert.Len(t, reserved, 18)
	assert.IsIncreasing(t, reserved)
	for _, name := range []string{"load", "validate_params", "install_package", "read_config"} {
		assert.True(t, IsReserved(name), name)
	}
	assert.False(t, IsReserved("echo"))
}

func TestArgsInt(t *testing.T) {
	args := Args{"i": 3, "i64": int64(4), "f": 5.0, "frac": 1.5, "s": "6", "bad": "x", "b": true}

	for key, want := range map[string]int{"i": 3, "i64": 4, "f": 5, "s": 6} {
		got, err := args.Int(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
	for _, key := range []string{"frac", "bad", "b", "missing"} {
		_, err := args.Int(key)
		assert.Error(t, err, key)
	}
}

func TestArgsCloneAndAttachment(t *testing.T) {
	att := &Attachment{Filename: "f", Content: []byte("x")}
	args := Args{"a": 1, AttachmentKey: att}

	clone := args.Clone()
	clone["a"] = 2
	assert.Equal(t, 1, args["a"])

	got, ok := clone.Attachment()
	require.True(t, ok)
	assert.Same(t, att, got)

	_, ok = Args{AttachmentKey: "not a file"}.Attachment()
	assert.False(t, ok)

	s, ok := Args{"s": "v", "n": 1}.String("s")
	assert.True(t, ok)
	assert.Equal(t, "v", s)
	_, ok = Args{"n": 1}.String("n")
	assert.False(t, ok)
}
