package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctfever/internal/plugin"
)

type fakeSource struct {
	mu       sync.Mutex
	plugins  []plugin.Descriptor
	handlers []plugin.EventHandler
}

func (s *fakeSource) List() []plugin.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.Descriptor(nil), s.plugins...)
}

func (s *fakeSource) Subscribe(h plugin.EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
	i := len(s.handlers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers[i] = nil
	}
}

func (s *fakeSource) emit(ev plugin.Event) {
	s.mu.Lock()
	hs := append([]plugin.EventHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(ev)
		}
	}
}

func TestObserveEvents(t *testing.T) {
	src := &fakeSource{}
	m := New(src, nil)
	unsubscribe := m.Observe(src)

	src.emit(plugin.Event{Type: plugin.EventLoaded, Plugin: "echo"})
	src.emit(plugin.Event{Type: plugin.EventActivated, Plugin: "echo"})
	src.emit(plugin.Event{Type: plugin.EventInvoked, Plugin: "echo", Method: "echo", Duration: 20 * time.Millisecond})
	src.emit(plugin.Event{Type: plugin.EventInvoked, Plugin: "echo", Method: "echo", Err: errors.New("boom")})
	src.emit(plugin.Event{Type: plugin.EventCrashed, Plugin: "echo", Err: errors.New("fetch failed")})
	src.emit(plugin.Event{Type: plugin.EventUnloaded, Plugin: "echo"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("echo", "loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("echo", "activated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("echo", "crashed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("echo", "unloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.crashes.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invokes.WithLabelValues("echo", "echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invokes.WithLabelValues("echo", "echo", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	unsubscribe()
	src.emit(plugin.Event{Type: plugin.EventLoaded, Plugin: "echo"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("echo", "loaded")))
}

func TestPluginStateGauge(t *testing.T) {
	src := &fakeSource{plugins: []plugin.Descriptor{
		{Name: "echo", State: plugin.StateActive},
		{Name: "portscan", State: plugin.StateActive},
		{Name: "example", State: plugin.StateLoaded},
	}}
	m := New(src, nil)

	expected := `
# HELP ctfever_plugins Registered plugins by lifecycle state
# TYPE ctfever_plugins gauge
ctfever_plugins{state="active"} 2
ctfever_plugins{state="deactivated"} 0
ctfever_plugins{state="loaded"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.plugins, strings.NewReader(expected)))
}

func TestRegisterAndServe(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	src := &fakeSource{}
	m := New(src, pool)
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "registering twice reports duplicates")

	m.Observe(src)
	src.emit(plugin.Event{Type: plugin.EventInvoked, Plugin: "echo", Method: "echo"})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ctfever_invocations_total{method="echo",outcome="ok",plugin="echo"} 1`)
	assert.Contains(t, string(body), "ctfever_offload_running_workers 0")
	assert.Contains(t, string(body), `ctfever_plugins{state="loaded"} 0`)
}
