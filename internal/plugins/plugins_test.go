package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/plugin"
)

func TestRegister(t *testing.T) {
	types := plugin.NewTypeRegistry()
	Register(types)
	assert.ElementsMatch(t, []string{"Echo", "Releasenote", "Portscan", "Ziputil"}, types.Types())

	assert.Panics(t, func() { Register(types) })
}

func TestEcho(t *testing.T) {
	h := newHarness(t, nil, "echo")

	got, err := h.call("echo", "echo", plugin.Args{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello"}, got)

	caps, err := h.rt.Capabilities("echo")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"echo": {"message"}}, caps.Params())
}

func TestEchoPrefix(t *testing.T) {
	h := newHarness(t, map[string]plugin.UnitOptions{
		"echo": {Settings: map[string]any{"prefix": "> "}},
	}, "echo")

	got, err := h.call("echo", "echo", plugin.Args{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "> hello"}, got)
}

func TestEchoBadPrefixFailsLoad(t *testing.T) {
	h := newHarness(t, map[string]plugin.UnitOptions{
		"echo": {Settings: map[string]any{"prefix": 3}},
	}, "echo")

	_, ok := h.rt.Get("echo")
	assert.False(t, ok)
}
