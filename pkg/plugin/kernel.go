package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"microkernel/pkg/events"
	"microkernel/pkg/plugin/hooks"
	"microkernel/pkg/store"
)

// EventBus is the subset of a publish/subscribe hub the kernel relies on.
// *events.Bus satisfies it.
type EventBus interface {
	On(event string, handler events.Handler) string
	Once(event string, handler events.Handler) string
	Off(id string) bool
	Emit(event string, payload any) int
	OnWildcard(handler events.Handler) string
	OnPattern(pattern string, handler events.Handler) string
	Clear()
}

// KernelHook runs around bulk initialization or destruction.
type KernelHook func(ctx context.Context) error

type kernelOptions struct {
	context       map[string]interface{}
	strategy      Strategy
	errorHandler  GlobalErrorHandler
	beforeInit    KernelHook
	afterInit     KernelHook
	beforeDestroy KernelHook
	afterDestroy  KernelHook
	logger        Logger
	tracer        trace.Tracer
	bus           EventBus
}

// Option is a functional option for configuring a Kernel.
type Option func(*kernelOptions)

// WithContext seeds the shared context store.
func WithContext(initial map[string]interface{}) Option {
	return func(opts *kernelOptions) {
		opts.context = initial
	}
}

// WithErrorStrategy sets how lifecycle hook failures affect the other plugins.
// Default: StrategyIsolate.
func WithErrorStrategy(strategy Strategy) Option {
	return func(opts *kernelOptions) {
		opts.strategy = strategy
	}
}

// WithErrorHandler sets the global handler called for every hook failure.
func WithErrorHandler(handler GlobalErrorHandler) Option {
	return func(opts *kernelOptions) {
		opts.errorHandler = handler
	}
}

func WithBeforeInit(hook KernelHook) Option {
	return func(opts *kernelOptions) {
		opts.beforeInit = hook
	}
}

func WithAfterInit(hook KernelHook) Option {
	return func(opts *kernelOptions) {
		opts.afterInit = hook
	}
}

func WithBeforeDestroy(hook KernelHook) Option {
	return func(opts *kernelOptions) {
		opts.beforeDestroy = hook
	}
}

func WithAfterDestroy(hook KernelHook) Option {
	return func(opts *kernelOptions) {
		opts.afterDestroy = hook
	}
}

// WithLogger sets the kernel logger. Default: discard.
func WithLogger(logger Logger) Option {
	return func(opts *kernelOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithTracer sets the tracer used for lifecycle spans. Default: no-op.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *kernelOptions) {
		if tracer != nil {
			opts.tracer = tracer
		}
	}
}

// WithEventBus replaces the kernel's event bus.
func WithEventBus(bus EventBus) Option {
	return func(opts *kernelOptions) {
		if bus != nil {
			opts.bus = bus
		}
	}
}

// Kernel owns a set of plugins, their shared context and event bus, and
// drives their lifecycle in dependency order.
//
// The record table, registration order, dependency graph and pending table
// are guarded by mu. mu is never held while a plugin hook runs.
type Kernel struct {
	mu      sync.Mutex
	state   KernelState
	records map[string]*pluginRecord
	order   []string
	graph   *DependencyGraph
	pending map[string]*pendingInit
	// baseCtx is handed to OnInit calls started after Init returned.
	baseCtx context.Context

	boundary     *ErrorBoundary
	lifecycle    *LifecycleManager
	store        *store.Store
	bus          EventBus
	capabilities cmap.ConcurrentMap[string, any]
	logger       Logger
	options      *kernelOptions

	// cleanups tracks background teardown started by Unregister.
	cleanups sync.WaitGroup
}

func NewKernel(opts ...Option) *Kernel {
	options := &kernelOptions{
		strategy: StrategyIsolate,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   noop.NewTracerProvider().Tracer("microkernel"),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.bus == nil {
		options.bus = events.NewBus()
	}

	k := &Kernel{
		state:        KernelCreated,
		records:      make(map[string]*pluginRecord),
		graph:        NewDependencyGraph(),
		pending:      make(map[string]*pendingInit),
		baseCtx:      context.Background(),
		boundary:     NewErrorBoundary(options.strategy, options.errorHandler),
		store:        store.New(options.context),
		bus:          options.bus,
		capabilities: cmap.New[any](),
		logger:       options.logger,
		options:      options,
	}
	k.lifecycle = NewLifecycleManager(k.boundary, k.logger, options.tracer, k.emit)
	return k
}

func (k *Kernel) ErrorStrategy() Strategy {
	return k.boundary.Strategy()
}

// Errors returns failures recorded under the collect strategy that have not
// been reported yet.
func (k *Kernel) Errors() []error {
	return k.boundary.Errors()
}

// Use registers a plugin and calls its Install hook. After the kernel is
// ready the plugin is validated against the current graph before Install
// and then initialized in the background once its dependencies settle.
func (k *Kernel) Use(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
	}
	metadata := p.Metadata()
	name := metadata.Name
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPlugin)
	}

	k.mu.Lock()
	switch k.state {
	case KernelDestroyed:
		k.mu.Unlock()
		return fmt.Errorf("%w: cannot register %s", ErrKernelDestroyed, name)
	case KernelDestroying:
		k.mu.Unlock()
		return fmt.Errorf("%w: cannot register %s", ErrKernelDestroying, name)
	case KernelInitializing:
		k.mu.Unlock()
		return fmt.Errorf("%w: cannot register %s", ErrKernelInitializing, name)
	}
	if _, exists := k.records[name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginAlreadyRegistered, name)
	}

	rec := newRecord(p, metadata)
	k.records[name] = rec
	k.order = append(k.order, name)
	k.graph.AddPlugin(name, metadata.Dependencies)

	var task *pendingInit
	if k.state == KernelReady {
		if err := k.graph.ValidatePlugin(name); err != nil {
			k.removeLocked(name, rec, false)
			k.mu.Unlock()
			return err
		}
		task = &pendingInit{done: make(chan struct{})}
		k.pending[name] = task
	}
	k.mu.Unlock()

	installed := false
	defer func() {
		if installed {
			return
		}
		k.mu.Lock()
		k.removeLocked(name, rec, false)
		if task != nil && k.pending[name] == task {
			delete(k.pending, name)
		}
		k.mu.Unlock()
		if task != nil {
			close(task.done)
		}
	}()

	if err := p.Install(k); err != nil {
		return err
	}
	installed = true

	k.logger.Debug("plugin registered", "plugin", name, "version", metadata.Version)
	k.emit(hooks.PluginInstall, hooks.PluginInstallPayload{Name: name, Version: metadata.Version})

	if task != nil {
		go k.initDynamic(name, rec, task)
	}
	return nil
}

// UseAll registers plugins in order and stops at the first error.
func (k *Kernel) UseAll(plugins ...Plugin) error {
	for _, p := range plugins {
		if err := k.Use(p); err != nil {
			return err
		}
	}
	return nil
}

// initDynamic initializes a plugin registered after the kernel became
// ready. Every failure is reported through state and events, never returned.
func (k *Kernel) initDynamic(name string, rec *pluginRecord, task *pendingInit) {
	defer func() {
		if r := recover(); r != nil {
			err := toError(r)
			k.logger.Error("dynamic plugin init panicked", "plugin", name, "error", err)
			k.emit(hooks.PluginError, hooks.PluginErrorPayload{Name: name, Err: err})
		}

		k.mu.Lock()
		if k.pending[name] == task {
			delete(k.pending, name)
		}
		k.mu.Unlock()
		close(task.done)
	}()

	k.mu.Lock()
	var waits []*pendingInit
	for _, dep := range k.graph.Dependencies(name) {
		if pending, ok := k.pending[dep]; ok {
			waits = append(waits, pending)
		}
	}
	k.mu.Unlock()

	for _, pending := range waits {
		<-pending.done
	}

	if err := k.checkDependenciesReady(name); err != nil {
		if rec.fail() {
			k.logger.Warn("plugin dependency not ready", "plugin", name, "error", err)
			k.emit(hooks.PluginError, hooks.PluginErrorPayload{Name: name, Err: err})
		}
		return
	}

	k.mu.Lock()
	ctx := k.baseCtx
	k.mu.Unlock()

	_ = k.lifecycle.initializeOne(ctx, name, rec, k.store, false)
}

// checkDependenciesReady waits for any in-flight OnInit of name's current
// dependencies and reports the first one that is gone or not Ready.
func (k *Kernel) checkDependenciesReady(name string) error {
	k.mu.Lock()
	deps := k.graph.Dependencies(name)
	records := make([]*pluginRecord, len(deps))
	for i, dep := range deps {
		records[i] = k.records[dep]
	}
	k.mu.Unlock()

	for i, dep := range deps {
		rec := records[i]
		if rec == nil {
			return &DependencyNotReadyError{Plugin: name, Dependency: dep, State: "missing"}
		}
		<-rec.initSettled()
		if state := rec.State(); state != StateReady {
			return &DependencyNotReadyError{Plugin: name, Dependency: dep, State: state.String()}
		}
	}
	return nil
}

// Unregister removes a plugin immediately and tears it down in the
// background. A plugin caught mid-initialization is destroyed once its
// OnInit settles. Destroy errors are reported but not returned. Once
// Destroy has started, its sweep tears the plugin down instead.
func (k *Kernel) Unregister(name string) bool {
	k.mu.Lock()
	rec, ok := k.records[name]
	if !ok {
		k.mu.Unlock()
		return false
	}
	k.removeLocked(name, rec, true)
	ctx := k.baseCtx
	state := rec.detach()
	teardown := state == StateInitializing || state == StateReady || state == StateFailed
	background := teardown && k.trackCleanupLocked()
	k.mu.Unlock()

	if background {
		go func() {
			defer k.cleanups.Done()
			<-rec.initSettled()
			_ = k.lifecycle.destroyOne(ctx, name, rec, false)
		}()
	}

	k.logger.Debug("plugin unregistered", "plugin", name)
	return true
}

// UnregisterAsync waits for any pending initialization of the plugin,
// destroys it if it is Ready or Failed, and only then removes it. If ctx is
// done before teardown completes the remaining work continues in the
// background as with Unregister. Once Destroy has started the plugin is
// only removed and its teardown is left to the sweep. It reports whether
// the plugin was found.
func (k *Kernel) UnregisterAsync(ctx context.Context, name string) bool {
	k.mu.Lock()
	rec, ok := k.records[name]
	task := k.pending[name]
	if !ok {
		k.mu.Unlock()
		return false
	}
	background := k.trackCleanupLocked()
	k.mu.Unlock()

	rec.detach()

	teardown := func(ctx context.Context) {
		if task != nil {
			<-task.done
		}
		<-rec.initSettled()
		_ = k.lifecycle.destroyOne(ctx, name, rec, false)
	}

	if background {
		done := make(chan struct{})
		go func() {
			defer k.cleanups.Done()
			defer close(done)
			teardown(context.WithoutCancel(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			k.logger.Warn("unregister wait abandoned, teardown continues in background",
				"plugin", name, "error", ctx.Err())
		}
	}

	k.mu.Lock()
	k.removeLocked(name, rec, true)
	k.mu.Unlock()

	k.logger.Debug("plugin unregistered", "plugin", name)
	return true
}

// trackCleanupLocked registers a teardown with cleanups and reports whether
// the caller should run it. It reports false once Destroy has started: the
// sweep owns every record from then on and cleanups may already be waited
// on. Callers hold k.mu.
func (k *Kernel) trackCleanupLocked() bool {
	if k.state == KernelDestroying || k.state == KernelDestroyed {
		return false
	}
	k.cleanups.Add(1)
	return true
}

// Replace unregisters the plugin with the same name, registers p and, when
// the kernel is ready, waits for p to finish initializing.
func (k *Kernel) Replace(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
	}
	name := p.Metadata().Name

	k.UnregisterAsync(ctx, name)
	if err := k.Use(p); err != nil {
		return err
	}
	if k.State() == KernelReady {
		return k.WaitForPlugin(ctx, name)
	}
	return nil
}

// Reload re-runs OnDestroy and OnInit of a Ready plugin. Plugins in any
// other state are left alone. Under fail-fast a hook failure is returned;
// otherwise a failed reload leaves the plugin Failed and is not recorded
// for the collect strategy.
func (k *Kernel) Reload(ctx context.Context, name string) error {
	k.mu.Lock()
	rec, ok := k.records[name]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if rec.State() != StateReady {
		k.logger.Debug("reload skipped", "plugin", name, "state", rec.State())
		return nil
	}

	k.logger.Info("reloading plugin", "plugin", name)
	if err := k.lifecycle.destroyOne(ctx, name, rec, false); err != nil && k.boundary.Aborts() {
		return err
	}
	if !rec.reset() {
		return nil
	}
	if err := k.lifecycle.initializeOne(ctx, name, rec, k.store, false); err != nil && k.boundary.Aborts() {
		return err
	}
	return nil
}

// Init resolves the dependency order and initializes every registered
// plugin. A failure before the kernel becomes ready rolls it back to
// KernelCreated. Under the collect strategy recorded failures are returned
// after the kernel is ready.
func (k *Kernel) Init(ctx context.Context) error {
	k.mu.Lock()
	if k.state != KernelCreated {
		state := k.state
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKernelNotCreated, state)
	}
	k.state = KernelInitializing
	k.baseCtx = context.WithoutCancel(ctx)
	k.mu.Unlock()

	rollback := func(err error) error {
		k.mu.Lock()
		k.state = KernelCreated
		k.mu.Unlock()
		k.logger.Error("kernel init failed", "error", err)
		return err
	}

	if err := k.runHook(ctx, k.options.beforeInit); err != nil {
		return rollback(err)
	}

	k.mu.Lock()
	order, err := k.graph.Resolve()
	records, _ := k.snapshotLocked()
	k.mu.Unlock()
	if err != nil {
		return rollback(err)
	}

	k.emit(hooks.KernelInit, hooks.KernelInitPayload{Timestamp: time.Now()})

	if err := k.lifecycle.InitializeAll(ctx, records, order, k.store); err != nil {
		return rollback(err)
	}

	k.mu.Lock()
	k.state = KernelReady
	names := make([]string, len(k.order))
	copy(names, k.order)
	k.mu.Unlock()

	k.logger.Info("kernel ready", "plugins", len(names))
	k.emit(hooks.KernelReady, hooks.KernelReadyPayload{Timestamp: time.Now(), Plugins: names})

	if err := k.runHook(ctx, k.options.afterInit); err != nil {
		return err
	}
	return k.boundary.ThrowIfErrors()
}

// Destroy tears every plugin down in reverse dependency order, or reverse
// registration order when the graph does not resolve. It is a no-op once
// the kernel is destroyed. Kernel hook errors and, under fail-fast, the
// first OnDestroy failure are returned after the kernel is destroyed.
// Under collect, OnDestroy failures stay available through Errors.
func (k *Kernel) Destroy(ctx context.Context) error {
	k.mu.Lock()
	switch k.state {
	case KernelDestroyed, KernelDestroying:
		k.mu.Unlock()
		return nil
	case KernelInitializing:
		k.mu.Unlock()
		return ErrKernelInitializing
	}
	k.state = KernelDestroying
	records, order := k.snapshotLocked()
	if resolved, err := k.graph.Resolve(); err == nil {
		order = resolved
	}
	k.mu.Unlock()

	var result *multierror.Error
	if err := k.runHook(ctx, k.options.beforeDestroy); err != nil {
		result = multierror.Append(result, err)
	}

	k.emit(hooks.KernelDestroy, hooks.KernelDestroyPayload{Timestamp: time.Now()})

	_ = k.WaitForAll(context.WithoutCancel(ctx))

	if err := k.lifecycle.DestroyAll(ctx, records, order); err != nil {
		result = multierror.Append(result, err)
	}
	k.cleanups.Wait()

	k.mu.Lock()
	k.state = KernelDestroyed
	k.mu.Unlock()

	k.logger.Info("kernel destroyed")
	k.emit(hooks.KernelDestroyed, hooks.KernelDestroyedPayload{Timestamp: time.Now()})
	k.bus.Clear()

	if err := k.runHook(ctx, k.options.afterDestroy); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (k *Kernel) runHook(ctx context.Context, hook KernelHook) error {
	if hook == nil {
		return nil
	}
	return safeRun(func() error {
		return hook(ctx)
	})
}

// WaitForPlugin blocks until the pending initialization of name settles or
// ctx is done. It returns nil when nothing is pending. Initialization
// failures are reported through events, not here.
func (k *Kernel) WaitForPlugin(ctx context.Context, name string) error {
	k.mu.Lock()
	task := k.pending[name]
	k.mu.Unlock()

	if task == nil {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForAll blocks until no dynamic initialization is pending or ctx is done.
func (k *Kernel) WaitForAll(ctx context.Context) error {
	for {
		k.mu.Lock()
		tasks := make([]*pendingInit, 0, len(k.pending))
		for _, task := range k.pending {
			tasks = append(tasks, task)
		}
		k.mu.Unlock()

		if len(tasks) == 0 {
			return nil
		}
		for _, task := range tasks {
			select {
			case <-task.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (k *Kernel) emit(event string, payload any) {
	k.bus.Emit(event, payload)
}

func (k *Kernel) On(event string, handler events.Handler) string {
	return k.bus.On(event, handler)
}

func (k *Kernel) Once(event string, handler events.Handler) string {
	return k.bus.Once(event, handler)
}

func (k *Kernel) Off(id string) bool {
	return k.bus.Off(id)
}

// Emit publishes a user event. Subscribers to the kernel's own event names
// expect the kernel payloads, so emitting one of those is logged.
func (k *Kernel) Emit(event string, payload any) int {
	if hooks.IsReserved(event) {
		k.logger.Warn("emitting reserved kernel event", "event", event)
	}
	return k.bus.Emit(event, payload)
}

func (k *Kernel) OnWildcard(handler events.Handler) string {
	return k.bus.OnWildcard(handler)
}

func (k *Kernel) OnPattern(pattern string, handler events.Handler) string {
	return k.bus.OnPattern(pattern, handler)
}

// Context returns the shared store handed to every OnInit.
func (k *Kernel) Context() *store.Store {
	return k.store
}

func (k *Kernel) GetContext() map[string]interface{} {
	return k.store.Get()
}

func (k *Kernel) UpdateContext(partial map[string]interface{}) {
	k.store.Update(partial)
}

func (k *Kernel) DeepUpdateContext(partial map[string]interface{}) {
	k.store.DeepUpdate(partial)
}
