package plugin

import (
	"sync"
	"time"
)

// pluginRecord owns one registered plugin and its lifecycle state.
type pluginRecord struct {
	plugin   Plugin
	metadata Metadata

	mu            sync.RWMutex
	state         PluginState
	initializedAt time.Time
	// initDone is non-nil while an OnInit call is in flight and is closed
	// when it settles.
	initDone chan struct{}
	// detached records are being unregistered and never start OnInit again.
	detached bool
}

func newRecord(p Plugin, metadata Metadata) *pluginRecord {
	return &pluginRecord{
		plugin:   p,
		metadata: metadata,
		state:    StateRegistered,
	}
}

func (r *pluginRecord) State() PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *pluginRecord) info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		Metadata:      r.metadata,
		State:         r.state,
		InitializedAt: r.initializedAt,
	}
}

// beginInit moves a registered, attached record to Initializing. It reports
// false when OnInit must not run.
func (r *pluginRecord) beginInit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRegistered || r.detached {
		return false
	}
	r.state = StateInitializing
	r.initDone = make(chan struct{})
	return true
}

func (r *pluginRecord) finishInit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateReady
		r.initializedAt = time.Now()
	}
	if r.initDone != nil {
		close(r.initDone)
		r.initDone = nil
	}
}

// fail marks a record that never started OnInit as failed.
func (r *pluginRecord) fail() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRegistered || r.detached {
		return false
	}
	r.state = StateFailed
	return true
}

// initSettled returns a channel closed once no OnInit is in flight.
func (r *pluginRecord) initSettled() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.initDone != nil {
		return r.initDone
	}
	return closedChan
}

// beginDestroy moves a Ready or Failed record to Destroying. Each
// initialization is destroyed at most once.
func (r *pluginRecord) beginDestroy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady && r.state != StateFailed {
		return false
	}
	r.state = StateDestroying
	return true
}

func (r *pluginRecord) finishDestroy() {
	r.mu.Lock()
	r.state = StateDestroyed
	r.mu.Unlock()
}

// reset returns a destroyed record to Registered so it can be initialized again.
func (r *pluginRecord) reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateDestroyed || r.detached {
		return false
	}
	r.state = StateRegistered
	r.initializedAt = time.Time{}
	return true
}

// detach stops any future OnInit of the record and returns the state it had.
func (r *pluginRecord) detach() PluginState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detached = true
	return r.state
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// pendingInit tracks one dynamic initialization started after the kernel
// became ready.
type pendingInit struct {
	done chan struct{}
}

func (k *Kernel) GetPlugin(name string) (Plugin, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[name]
	if !ok {
		return nil, false
	}
	return rec.plugin, true
}

func (k *Kernel) PluginInfo(name string) (Info, bool) {
	k.mu.Lock()
	rec, ok := k.records[name]
	k.mu.Unlock()

	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

func (k *Kernel) HasPlugin(name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.records[name]
	return ok
}

// ListPlugins returns a snapshot of every registered plugin in registration order.
func (k *Kernel) ListPlugins() []Info {
	k.mu.Lock()
	records := make([]*pluginRecord, 0, len(k.order))
	for _, name := range k.order {
		records = append(records, k.records[name])
	}
	k.mu.Unlock()

	out := make([]Info, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.info())
	}
	return out
}

func (k *Kernel) GetPluginNames() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]string, len(k.order))
	copy(out, k.order)
	return out
}

func (k *Kernel) GetDependencyGraph() map[string][]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.graph.Graph()
}

func (k *Kernel) State() KernelState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kernel) IsInitialized() bool {
	return k.State() == KernelReady
}

func (k *Kernel) IsDestroyed() bool {
	return k.State() == KernelDestroyed
}

// snapshot copies the record table and registration order for a sweep.
// Must be called with k.mu held.
func (k *Kernel) snapshotLocked() (map[string]*pluginRecord, []string) {
	records := make(map[string]*pluginRecord, len(k.records))
	for name, rec := range k.records {
		records[name] = rec
	}
	order := make([]string, len(k.order))
	copy(order, k.order)
	return records, order
}

// removeLocked drops a record from the tables. prune controls whether other
// plugins lose the name from their dependency lists. Must be called with
// k.mu held.
func (k *Kernel) removeLocked(name string, rec *pluginRecord, prune bool) bool {
	if current, ok := k.records[name]; !ok || current != rec {
		return false
	}
	delete(k.records, name)
	k.order = removeElement(k.order, name)
	if prune {
		k.graph.RemovePlugin(name)
	} else {
		k.graph.dropNode(name)
	}
	return true
}
