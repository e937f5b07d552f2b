package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microkernel/pkg/plugin"
	"microkernel/pkg/store"
)

func newKernel(t *testing.T) *plugin.Kernel {
	t.Helper()
	k := plugin.NewKernel()
	require.NoError(t, k.UseAll(
		&plugin.Definition{Name: "db"},
		&plugin.Definition{Name: "cache", Dependencies: []string{"db"}},
		&plugin.Definition{
			Name: "mailer",
			InitFunc: func(ctx context.Context, shared *store.Store) error {
				return errors.New("smtp unreachable")
			},
		},
	))
	return k
}

func TestCollector_CountsLifecycleEvents(t *testing.T) {
	k := newKernel(t)
	c := NewCollector("microkernel", k)
	defer c.Close()

	require.NoError(t, k.Init(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.inits.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inits.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("mailer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("kernel:ready")))

	// Registered before the collector subscribed.
	assert.Equal(t, 0, testutil.CollectAndCount(c.installs))

	require.NoError(t, k.Use(&plugin.Definition{Name: "late"}))
	require.NoError(t, k.WaitForPlugin(context.Background(), "late"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.installs.WithLabelValues("late")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inits.WithLabelValues("late")))

	require.NoError(t, k.Destroy(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.destroys.WithLabelValues("db")))
	assert.Equal(t, 4, testutil.CollectAndCount(c.destroys))
}

func TestCollector_StateGauges(t *testing.T) {
	k := newKernel(t)
	c := NewCollector("microkernel", k)
	defer c.Close()

	require.NoError(t, k.Init(context.Background()))

	expected := `
# HELP microkernel_plugins Registered plugins by lifecycle state.
# TYPE microkernel_plugins gauge
microkernel_plugins{state="destroyed"} 0
microkernel_plugins{state="destroying"} 0
microkernel_plugins{state="failed"} 1
microkernel_plugins{state="initializing"} 0
microkernel_plugins{state="ready"} 2
microkernel_plugins{state="registered"} 0
# HELP microkernel_kernel_state Current kernel state, 1 for the active state.
# TYPE microkernel_kernel_state gauge
microkernel_kernel_state{state="created"} 0
microkernel_kernel_state{state="destroyed"} 0
microkernel_kernel_state{state="destroying"} 0
microkernel_kernel_state{state="initializing"} 0
microkernel_kernel_state{state="ready"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"microkernel_plugins", "microkernel_kernel_state"))
}

func TestCollector_Close(t *testing.T) {
	k := plugin.NewKernel()
	c := NewCollector("microkernel", k)

	k.Emit("cache:warm", nil)
	c.Close()
	c.Close()
	k.Emit("cache:warm", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("cache:warm")))
}

func TestHandler(t *testing.T) {
	k := newKernel(t)
	c := NewCollector("microkernel", k)
	defer c.Close()
	require.NoError(t, k.Init(context.Background()))

	registry, err := NewRegistry(c)
	require.NoError(t, err)

	server := httptest.NewServer(Handler(registry))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `microkernel_plugin_inits_total{plugin="db"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
