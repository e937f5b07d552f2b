package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"microkernel/pkg/config"
	"microkernel/pkg/health"
	"microkernel/pkg/metrics"
	"microkernel/pkg/plugin"
)

const (
	pluginConfigPrefix = "plugins.configs"
	contextPrefix      = "context"
)

// runtime is a kernel with everything kernelctl runs around it.
type runtime struct {
	app       *app
	kernel    *plugin.Kernel
	collector *metrics.Collector
	registry  *prometheus.Registry
	dynamic   *config.DynamicConfigManager
	server    *http.Server
	listener  net.Listener
	serveErr  chan error
}

func newRuntime(a *app) (*runtime, error) {
	strategy, err := plugin.ParseStrategy(a.cfg.Kernel.ErrorStrategy)
	if err != nil {
		return nil, err
	}

	k := plugin.NewKernel(
		plugin.WithErrorStrategy(strategy),
		plugin.WithLogger(a.logger),
		plugin.WithTracer(otel.Tracer("microkernel")),
		plugin.WithContext(a.cfg.Context),
		plugin.WithErrorHandler(func(err error, pluginName string) {
			a.logger.Error("plugin error", "plugin", pluginName, "error", err)
		}),
	)

	r := &runtime{
		app:       a,
		kernel:    k,
		collector: metrics.NewCollector(a.cfg.Metrics.Namespace, k),
		dynamic:   config.NewDynamicConfigManager(a.manager),
	}
	if a.cfg.Metrics.Enabled {
		r.registry, err = metrics.NewRegistry(r.collector)
		if err != nil {
			r.collector.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return r, nil
}

// start loads the manifests, initializes the kernel and starts serving.
// Manifests that fail to load are logged and skipped unless the strategy
// is fail-fast.
func (r *runtime) start(ctx context.Context) error {
	a := r.app

	plugins, err := a.loadManifests()
	if err != nil {
		if r.kernel.ErrorStrategy() == plugin.StrategyFailFast {
			return err
		}
		a.logger.Warn("some plugin manifests were skipped", "error", err)
	}
	if err := r.kernel.UseAll(plugins...); err != nil {
		return err
	}
	if err := r.kernel.Init(ctx); err != nil {
		var collected *plugin.AggregateError
		if !errors.As(err, &collected) {
			return err
		}
		a.logger.Error("kernel ready with failed plugins", "errors", len(collected.Errors), "error", err)
	}

	if err := r.registerUpdaters(); err != nil {
		return err
	}
	r.dynamic.Start()
	if err := a.manager.WatchFiles(ctx); err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}

	if a.cfg.Server.Address != "" {
		if err := r.serve(); err != nil {
			return err
		}
	}

	a.logger.Info("kernel ready", "plugins", r.kernel.GetPluginNames())
	return nil
}

// registerUpdaters maps plugins.configs.<name> changes to a reload of that
// plugin and context changes to a deep update of the shared context.
func (r *runtime) registerUpdaters() error {
	reload := config.NewComponentUpdater("plugins", []string{pluginConfigPrefix},
		func(key string, value interface{}) error {
			name := pluginNameFromKey(key)
			if name == "" || !r.kernel.HasPlugin(name) {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.app.cfg.Kernel.ShutdownTimeout)
			defer cancel()
			return r.kernel.Reload(ctx, name)
		}, nil)

	shared := config.NewComponentUpdater("context", []string{contextPrefix},
		func(key string, value interface{}) error {
			r.kernel.DeepUpdateContext(contextPatch(key, value))
			return nil
		},
		func(key string, oldValue interface{}) error {
			r.kernel.DeepUpdateContext(contextPatch(key, oldValue))
			return nil
		})

	if err := r.dynamic.RegisterUpdater(reload.Name(), reload); err != nil {
		return err
	}
	return r.dynamic.RegisterUpdater(shared.Name(), shared)
}

func pluginNameFromKey(key string) string {
	rest := strings.TrimPrefix(key, pluginConfigPrefix+".")
	if rest == key {
		return ""
	}
	name, _, _ := strings.Cut(rest, ".")
	return name
}

// contextPatch turns context.a.b=v into {"a": {"b": v}}. The bare context
// key must carry a map.
func contextPatch(key string, value interface{}) map[string]interface{} {
	rest := strings.TrimPrefix(key, contextPrefix)
	rest = strings.TrimPrefix(rest, ".")
	if rest == "" {
		patch, _ := value.(map[string]interface{})
		return patch
	}

	parts := strings.Split(rest, ".")
	patch := map[string]interface{}{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		patch = map[string]interface{}{parts[i]: patch}
	}
	return patch
}

func (r *runtime) serve() error {
	a := r.app
	router := httprouter.New()

	if r.registry != nil {
		router.Handler(http.MethodGet, a.cfg.Metrics.Path, metrics.Handler(r.registry))
	}
	if a.cfg.Health.Enabled {
		var opts []health.Option
		if r.registry != nil {
			opts = append(opts, health.WithMetrics(r.registry, a.cfg.Metrics.Namespace))
		}
		opts = append(opts, health.WithRequiredPlugins(a.cfg.Plugins.Enabled...))
		checks := health.NewHandler(r.kernel, opts...)
		router.HandlerFunc(http.MethodGet, "/live", checks.LiveEndpoint)
		router.HandlerFunc(http.MethodGet, "/ready", checks.ReadyEndpoint)
	}
	if a.cfg.Admin.Enabled {
		if err := r.registerAdmin(router); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Address, err)
	}
	r.listener = listener
	r.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serveErr = make(chan error, 1)
	go func() {
		err := r.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		r.serveErr <- err
	}()

	a.logger.Info("serving", "address", listener.Addr().String())
	return nil
}

// shutdown stops serving and watching, then destroys the kernel within
// kernel.shutdown_timeout.
func (r *runtime) shutdown() error {
	a := r.app
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Kernel.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop server: %w", err))
		}
		if err := <-r.serveErr; err != nil {
			result = multierror.Append(result, err)
		}
	}

	r.dynamic.Stop()
	if err := a.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := r.kernel.Destroy(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	r.collector.Close()
	return result.ErrorOrNil()
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load the plugins and run the kernel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.load(ctx); err != nil {
				return err
			}

			r, err := newRuntime(a)
			if err != nil {
				return err
			}
			if err := r.start(ctx); err != nil {
				return multierror.Append(err, r.shutdown()).ErrorOrNil()
			}

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down")
			case err := <-r.serveErr:
				a.logger.Error("server stopped", "error", err)
				r.serveErr <- err
			}
			return r.shutdown()
		},
	}
}
