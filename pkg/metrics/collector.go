package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microkernel/pkg/events"
	"microkernel/pkg/plugin"
	"microkernel/pkg/plugin/hooks"
)

// Kernel is the part of *plugin.Kernel the collector observes.
type Kernel interface {
	ListPlugins() []plugin.Info
	State() plugin.KernelState
	OnWildcard(handler events.Handler) string
	Off(id string) bool
}

var pluginStates = []plugin.PluginState{
	plugin.StateRegistered,
	plugin.StateInitializing,
	plugin.StateReady,
	plugin.StateFailed,
	plugin.StateDestroying,
	plugin.StateDestroyed,
}

var kernelStates = []plugin.KernelState{
	plugin.KernelCreated,
	plugin.KernelInitializing,
	plugin.KernelReady,
	plugin.KernelDestroying,
	plugin.KernelDestroyed,
}

// Collector exports kernel activity as Prometheus metrics. Counters are fed
// by kernel events; state gauges are read from the kernel on every scrape.
type Collector struct {
	kernel Kernel

	installs *prometheus.CounterVec
	inits    *prometheus.CounterVec
	destroys *prometheus.CounterVec
	failures *prometheus.CounterVec
	events   *prometheus.CounterVec

	pluginsDesc *prometheus.Desc
	kernelDesc  *prometheus.Desc

	mu           sync.Mutex
	subscription string
}

// NewCollector subscribes to every event k emits. Call Close to
// unsubscribe.
func NewCollector(namespace string, k Kernel) *Collector {
	c := &Collector{
		kernel: k,
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "installs_total",
			Help:      "Plugins registered with the kernel.",
		}, []string{"plugin"}),
		inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "inits_total",
			Help:      "Successful plugin initializations.",
		}, []string{"plugin"}),
		destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "destroys_total",
			Help:      "Plugin teardowns.",
		}, []string{"plugin"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "errors_total",
			Help:      "Plugin lifecycle failures.",
		}, []string{"plugin"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted on the kernel bus.",
		}, []string{"event"}),
		pluginsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "plugins"),
			"Registered plugins by lifecycle state.",
			[]string{"state"}, nil,
		),
		kernelDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "kernel_state"),
			"Current kernel state, 1 for the active state.",
			[]string{"state"}, nil,
		),
	}
	c.subscription = k.OnWildcard(c.observe)
	return c
}

func (c *Collector) observe(event string, payload any) {
	c.events.WithLabelValues(event).Inc()

	switch p := payload.(type) {
	case hooks.PluginInstallPayload:
		c.installs.WithLabelValues(p.Name).Inc()
	case hooks.PluginInitPayload:
		c.inits.WithLabelValues(p.Name).Inc()
	case hooks.PluginDestroyPayload:
		c.destroys.WithLabelValues(p.Name).Inc()
	case hooks.PluginErrorPayload:
		c.failures.WithLabelValues(p.Name).Inc()
	}
}

// Close stops counting kernel events. Scrapes still report state.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscription != "" {
		c.kernel.Off(c.subscription)
		c.subscription = ""
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.installs.Describe(ch)
	c.inits.Describe(ch)
	c.destroys.Describe(ch)
	c.failures.Describe(ch)
	c.events.Describe(ch)
	ch <- c.pluginsDesc
	ch <- c.kernelDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.installs.Collect(ch)
	c.inits.Collect(ch)
	c.destroys.Collect(ch)
	c.failures.Collect(ch)
	c.events.Collect(ch)

	counts := make(map[plugin.PluginState]int, len(pluginStates))
	for _, info := range c.kernel.ListPlugins() {
		counts[info.State]++
	}
	for _, state := range pluginStates {
		ch <- prometheus.MustNewConstMetric(c.pluginsDesc, prometheus.GaugeValue,
			float64(counts[state]), state.String())
	}

	current := c.kernel.State()
	for _, state := range kernelStates {
		value := 0.0
		if state == current {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.kernelDesc, prometheus.GaugeValue, value, state.String())
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	for _, collector := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
