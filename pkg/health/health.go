package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"microkernel/pkg/plugin"
)

// Kernel is the part of *plugin.Kernel the checks read.
type Kernel interface {
	State() plugin.KernelState
	PluginInfo(name string) (plugin.Info, bool)
}

type options struct {
	registry        prometheus.Registerer
	namespace       string
	required        []string
	goroutineLimit  int
	diskPath        string
	diskUsedPercent float64
	checkTimeout    time.Duration
}

type Option func(*options)

// WithMetrics also exports every check as a gauge in registry.
func WithMetrics(registry prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registry = registry
		o.namespace = namespace
	}
}

// WithRequiredPlugins makes readiness depend on each named plugin being
// Ready.
func WithRequiredPlugins(names ...string) Option {
	return func(o *options) {
		o.required = append(o.required, names...)
	}
}

// WithGoroutineLimit fails liveness when more than limit goroutines run.
func WithGoroutineLimit(limit int) Option {
	return func(o *options) {
		o.goroutineLimit = limit
	}
}

// WithDiskUsage fails readiness when the filesystem holding path is more
// than maxUsedPercent full.
func WithDiskUsage(path string, maxUsedPercent float64) Option {
	return func(o *options) {
		o.diskPath = path
		o.diskUsedPercent = maxUsedPercent
	}
}

// WithCheckTimeout bounds each check. Default: one second.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.checkTimeout = timeout
	}
}

// NewHandler serves /live and /ready for k. Liveness fails once the kernel
// is tearing down; readiness additionally requires the kernel to be Ready.
func NewHandler(k Kernel, opts ...Option) healthcheck.Handler {
	o := &options{checkTimeout: time.Second}
	for _, opt := range opts {
		opt(o)
	}

	var handler healthcheck.Handler
	if o.registry != nil {
		handler = healthcheck.NewMetricsHandler(o.registry, o.namespace)
	} else {
		handler = healthcheck.NewHandler()
	}

	handler.AddLivenessCheck("kernel-alive", KernelAlive(k))
	if o.goroutineLimit > 0 {
		handler.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(o.goroutineLimit))
	}

	handler.AddReadinessCheck("kernel-ready", KernelReady(k))
	for _, name := range o.required {
		handler.AddReadinessCheck("plugin:"+name, PluginReady(k, name))
	}
	if o.diskPath != "" {
		handler.AddReadinessCheck("disk", healthcheck.Timeout(
			DiskUsage(o.diskPath, o.diskUsedPercent), o.checkTimeout))
	}
	return handler
}

func KernelAlive(k Kernel) healthcheck.Check {
	return func() error {
		switch state := k.State(); state {
		case plugin.KernelDestroying, plugin.KernelDestroyed:
			return fmt.Errorf("kernel %s", state)
		}
		return nil
	}
}

func KernelReady(k Kernel) healthcheck.Check {
	return func() error {
		if state := k.State(); state != plugin.KernelReady {
			return fmt.Errorf("kernel %s", state)
		}
		return nil
	}
}

func PluginReady(k Kernel, name string) healthcheck.Check {
	return func() error {
		info, ok := k.PluginInfo(name)
		if !ok {
			return errors.New("not registered")
		}
		if info.State != plugin.StateReady {
			return fmt.Errorf("plugin %s", info.State)
		}
		return nil
	}
}

func DiskUsage(path string, maxUsedPercent float64) healthcheck.Check {
	return func() error {
		usage, err := disk.Usage(path)
		if err != nil {
			return err
		}
		if usage.UsedPercent > maxUsedPercent {
			return fmt.Errorf("disk %.1f%% used (limit %.1f%%)", usage.UsedPercent, maxUsedPercent)
		}
		return nil
	}
}
