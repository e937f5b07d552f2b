package plugin

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"microkernel/pkg/plugin/hooks"
	"microkernel/pkg/store"
)

const AttrPluginName = "microkernel.plugin.name"

// LifecycleManager drives OnInit and OnDestroy over a set of plugin records
// through an ErrorBoundary. It owns none of the records.
type LifecycleManager struct {
	boundary *ErrorBoundary
	logger   Logger
	tracer   trace.Tracer
	emit     func(event string, payload any)
}

func NewLifecycleManager(boundary *ErrorBoundary, logger Logger, tracer trace.Tracer,
	emit func(event string, payload any),
) *LifecycleManager {
	return &LifecycleManager{
		boundary: boundary,
		logger:   logger,
		tracer:   tracer,
		emit:     emit,
	}
}

// InitializeAll initializes records in order. Names absent from records and
// records not in the Registered state are skipped. Under fail-fast the first
// failure stops the sweep and is returned; otherwise failed plugins are
// marked Failed and the sweep continues.
func (lm *LifecycleManager) InitializeAll(ctx context.Context, records map[string]*pluginRecord,
	order []string, shared *store.Store,
) error {
	lm.logger.Info("initializing plugins", "count", len(order), "order", order)

	for _, name := range order {
		rec, ok := records[name]
		if !ok {
			continue
		}
		if err := lm.initializeOne(ctx, name, rec, shared, true); err != nil && lm.boundary.Aborts() {
			return err
		}
	}
	return nil
}

// initializeOne runs OnInit for a single record. It returns nil without
// calling the hook when the record cannot start initializing. A failure is
// recorded for ThrowIfErrors only when record is set.
func (lm *LifecycleManager) initializeOne(ctx context.Context, name string, rec *pluginRecord,
	shared *store.Store, record bool,
) error {
	if !rec.beginInit() {
		lm.logger.Debug("skipping plugin init", "plugin", name, "state", rec.State())
		return nil
	}

	ctx, span := lm.tracer.Start(ctx, "plugin.init",
		trace.WithAttributes(attribute.String(AttrPluginName, name)))
	defer span.End()

	lm.logger.Debug("initializing plugin", "plugin", name)
	err := lm.guard(record)(name, rec.plugin, func() error {
		if initializer, ok := rec.plugin.(Initializer); ok {
			return initializer.OnInit(ctx, shared)
		}
		return nil
	})
	rec.finishInit(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lm.logger.Warn("plugin init failed", "plugin", name, "error", err)
		lm.emit(hooks.PluginError, hooks.PluginErrorPayload{Name: name, Err: err})
		return err
	}

	span.SetStatus(codes.Ok, "")
	lm.logger.Info("plugin initialized", "plugin", name)
	lm.emit(hooks.PluginInit, hooks.PluginInitPayload{Name: name})
	return nil
}

// DestroyAll destroys records in reverse order, waiting for any in-flight
// OnInit of a record first. Only Ready or Failed records are destroyed.
// Under fail-fast the first failure stops the sweep.
func (lm *LifecycleManager) DestroyAll(ctx context.Context, records map[string]*pluginRecord,
	order []string,
) error {
	lm.logger.Info("destroying plugins", "count", len(order))

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		rec, ok := records[name]
		if !ok {
			continue
		}

		<-rec.initSettled()
		if err := lm.destroyOne(ctx, name, rec, true); err != nil && lm.boundary.Aborts() {
			return err
		}
	}
	return nil
}

// destroyOne runs OnDestroy for a Ready or Failed record. The record ends
// Destroyed whether or not the hook succeeds.
func (lm *LifecycleManager) destroyOne(ctx context.Context, name string, rec *pluginRecord, record bool) error {
	if !rec.beginDestroy() {
		return nil
	}

	ctx, span := lm.tracer.Start(ctx, "plugin.destroy",
		trace.WithAttributes(attribute.String(AttrPluginName, name)))
	defer span.End()

	lm.logger.Debug("destroying plugin", "plugin", name)
	err := lm.guard(record)(name, rec.plugin, func() error {
		if destroyer, ok := rec.plugin.(Destroyer); ok {
			return destroyer.OnDestroy(ctx)
		}
		return nil
	})
	rec.finishDestroy()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lm.logger.Error("plugin destroy failed", "plugin", name, "error", err)
		lm.emit(hooks.PluginError, hooks.PluginErrorPayload{Name: name, Err: err})
	} else {
		span.SetStatus(codes.Ok, "")
		lm.logger.Info("plugin destroyed", "plugin", name)
	}
	lm.emit(hooks.PluginDestroy, hooks.PluginDestroyPayload{Name: name})
	return err
}

func (lm *LifecycleManager) guard(record bool) func(string, Plugin, func() error) error {
	if record {
		return lm.boundary.WithBoundary
	}
	return lm.boundary.Contain
}
