package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"microkernel/pkg/plugin/hooks"
	"microkernel/pkg/store"
)

type lifecycleFixture struct {
	manager  *LifecycleManager
	recorder *tracetest.SpanRecorder
	mu       sync.Mutex
	events   []string
}

func newLifecycleFixture(strategy Strategy) *lifecycleFixture {
	f := &lifecycleFixture{recorder: tracetest.NewSpanRecorder()}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.recorder))
	f.manager = NewLifecycleManager(
		NewErrorBoundary(strategy, nil),
		slog.New(slog.DiscardHandler),
		provider.Tracer("test"),
		func(event string, payload any) {
			f.mu.Lock()
			f.events = append(f.events, event)
			f.mu.Unlock()
		},
	)
	return f
}

func recordsOf(plugins ...Plugin) map[string]*pluginRecord {
	records := make(map[string]*pluginRecord, len(plugins))
	for _, p := range plugins {
		records[p.Metadata().Name] = newRecord(p, p.Metadata())
	}
	return records
}

func TestLifecycle_InitializeAllSkipsAbsentAndNonRegistered(t *testing.T) {
	log := &callLog{}
	f := newLifecycleFixture(StrategyIsolate)
	records := recordsOf(tracked("a", log), tracked("b", log))
	records["b"].finishInit(nil)

	err := f.manager.InitializeAll(context.Background(), records, []string{"ghost", "a", "b"}, store.New(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"init:a"}, log.snapshot())
	assert.Equal(t, StateReady, records["a"].State())
	assert.Equal(t, []string{hooks.PluginInit}, f.events)
}

func TestLifecycle_InitializeAllFailFastStops(t *testing.T) {
	log := &callLog{}
	boom := errors.New("boom")
	f := newLifecycleFixture(StrategyFailFast)
	records := recordsOf(tracked("a", log), failing("b", log, boom), tracked("c", log))

	err := f.manager.InitializeAll(context.Background(), records, []string{"a", "b", "c"}, store.New(nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateReady, records["a"].State())
	assert.Equal(t, StateFailed, records["b"].State())
	assert.Equal(t, StateRegistered, records["c"].State())
}

func TestLifecycle_SpansRecordOutcome(t *testing.T) {
	log := &callLog{}
	f := newLifecycleFixture(StrategyIsolate)
	records := recordsOf(tracked("ok", log), failing("bad", log, errors.New("boom")))

	require.NoError(t, f.manager.InitializeAll(context.Background(), records, []string{"ok", "bad"}, store.New(nil)))

	spans := f.recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "plugin.init", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(AttrPluginName, "ok"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestLifecycle_DestroyAllReverseAndOnlyInitialized(t *testing.T) {
	log := &callLog{}
	f := newLifecycleFixture(StrategyIsolate)
	records := recordsOf(tracked("a", log), tracked("b", log), tracked("c", log), tracked("idle", log))
	records["a"].finishInit(nil)
	records["b"].finishInit(errors.New("failed earlier"))
	records["c"].finishInit(nil)

	err := f.manager.DestroyAll(context.Background(), records, []string{"a", "b", "c", "idle"})
	require.NoError(t, err)

	assert.Equal(t, []string{"destroy:c", "destroy:b", "destroy:a"}, log.snapshot())
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, StateDestroyed, records[name].State())
	}
	assert.Equal(t, StateRegistered, records["idle"].State())

	require.NoError(t, f.manager.DestroyAll(context.Background(), records, []string{"a", "b", "c"}))
	assert.Len(t, log.snapshot(), 3)
}

func TestLifecycle_DestroyFailureStillDestroyed(t *testing.T) {
	boom := errors.New("boom")
	for _, strategy := range []Strategy{StrategyIsolate, StrategyFailFast} {
		t.Run(strategy.String(), func(t *testing.T) {
			log := &callLog{}
			f := newLifecycleFixture(strategy)
			bad := tracked("bad", log)
			bad.DestroyFunc = func(context.Context) error { return boom }
			records := recordsOf(tracked("first", log), bad)
			records["first"].finishInit(nil)
			records["bad"].finishInit(nil)

			err := f.manager.DestroyAll(context.Background(), records, []string{"first", "bad"})
			assert.Equal(t, StateDestroyed, records["bad"].State())
			if strategy == StrategyFailFast {
				assert.ErrorIs(t, err, boom)
				assert.Equal(t, StateReady, records["first"].State())
			} else {
				assert.NoError(t, err)
				assert.Equal(t, StateDestroyed, records["first"].State())
			}
		})
	}
}

func TestLifecycle_DestroyWaitsForInFlightInit(t *testing.T) {
	f := newLifecycleFixture(StrategyIsolate)
	slow := newGated("slow")
	records := recordsOf(slow)

	go func() {
		_ = f.manager.initializeOne(context.Background(), "slow", records["slow"], store.New(nil), true)
	}()
	waitClosed(t, slow.started)

	done := make(chan struct{})
	go func() {
		_ = f.manager.DestroyAll(context.Background(), records, []string{"slow"})
		close(done)
	}()

	close(slow.release)
	waitClosed(t, done)
	assert.Equal(t, int32(2), slow.resource.Load())
	assert.Equal(t, StateDestroyed, records["slow"].State())
}
