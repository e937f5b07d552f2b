package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrDynamicStopped = errors.New("dynamic config manager stopped")

type DynamicUpdater interface {
	CanUpdate(key string) bool
	ApplyUpdate(key string, value interface{}) error
	RollbackUpdate(key string, oldValue interface{}) error
}

// DynamicConfigManager applies configuration changes to running components.
// Changes arrive either from Update or from reloads of the underlying
// ConfigManager, and are processed one at a time.
type DynamicConfigManager struct {
	manager     *ConfigManager
	updaters    map[string]DynamicUpdater
	names       []string
	mu          sync.RWMutex
	updateQueue chan UpdateRequest
	ctx         context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	wg          sync.WaitGroup
}

type UpdateRequest struct {
	Key      string
	Value    interface{}
	OldValue interface{}
	Source   ConfigSource
	// Response is nil for changes that are already stored and only need
	// to be applied.
	Response chan UpdateResponse
}

type UpdateResponse struct {
	Success  bool
	Error    error
	OldValue interface{}
	NewValue interface{}
}

func NewDynamicConfigManager(manager *ConfigManager) *DynamicConfigManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DynamicConfigManager{
		manager:     manager,
		updaters:    make(map[string]DynamicUpdater),
		updateQueue: make(chan UpdateRequest, 100),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterUpdater adds an updater. The first registered updater that can
// update a key handles it.
func (d *DynamicConfigManager) RegisterUpdater(name string, updater DynamicUpdater) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.updaters[name]; exists {
		return fmt.Errorf("updater already registered: %s", name)
	}
	d.updaters[name] = updater
	d.names = append(d.names, name)
	return nil
}

// Start begins processing updates and subscribes to configuration reloads.
func (d *DynamicConfigManager) Start() {
	d.startOnce.Do(func() {
		d.manager.AddWatcher("", WatcherFunc(d.onConfigChange))
		d.wg.Add(1)
		go d.processUpdates()
	})
}

func (d *DynamicConfigManager) onConfigChange(change ConfigChange) {
	if change.Source == SourceDynamic {
		return
	}
	select {
	case d.updateQueue <- UpdateRequest{
		Key:      change.Key,
		Value:    change.NewValue,
		OldValue: change.OldValue,
		Source:   change.Source,
	}:
	case <-d.ctx.Done():
	default:
		d.manager.logger.Warn("dynamic update queue full, dropping change", "key", change.Key)
	}
}

// Update validates and stores a new value, then applies it, so the
// component already reads the new value. When the component rejects it the
// previous value is restored and the component rolled back.
func (d *DynamicConfigManager) Update(ctx context.Context, key string, value interface{}) (UpdateResponse, error) {
	request := UpdateRequest{
		Key:      key,
		Value:    value,
		Source:   SourceDynamic,
		Response: make(chan UpdateResponse, 1),
	}

	select {
	case d.updateQueue <- request:
	case <-d.ctx.Done():
		return UpdateResponse{}, ErrDynamicStopped
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	}

	select {
	case response := <-request.Response:
		return response, response.Error
	case <-d.ctx.Done():
		return UpdateResponse{}, ErrDynamicStopped
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	}
}

func (d *DynamicConfigManager) processUpdates() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case request := <-d.updateQueue:
			d.processUpdate(request)
		}
	}
}

func (d *DynamicConfigManager) findUpdater(key string) (string, DynamicUpdater) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, name := range d.names {
		if u := d.updaters[name]; u.CanUpdate(key) {
			return name, u
		}
	}
	return "", nil
}

func (d *DynamicConfigManager) processUpdate(request UpdateRequest) {
	logger := d.manager.logger
	name, updater := d.findUpdater(request.Key)

	if request.Response == nil {
		if updater == nil {
			return
		}
		if err := updater.ApplyUpdate(request.Key, request.Value); err != nil {
			logger.Error("failed to apply config change", "key", request.Key, "updater", name, "error", err)
			if rollbackErr := updater.RollbackUpdate(request.Key, request.OldValue); rollbackErr != nil {
				logger.Error("failed to rollback update", "key", request.Key, "error", rollbackErr)
			}
			return
		}
		logger.Info("config change applied", "key", request.Key, "updater", name)
		return
	}

	previous, existed := d.manager.Lookup(request.Key)
	oldValue, _ := d.manager.Get(request.Key)
	response := UpdateResponse{OldValue: oldValue, NewValue: request.Value}

	if err := d.manager.Set(request.Key, request.Value, request.Source); err != nil {
		response.Error = err
		d.sendResponse(request, response)
		return
	}

	if updater != nil {
		if err := updater.ApplyUpdate(request.Key, request.Value); err != nil {
			d.manager.restore(request.Key, previous, existed)
			if rollbackErr := updater.RollbackUpdate(request.Key, oldValue); rollbackErr != nil {
				logger.Error("failed to rollback update", "key", request.Key, "error", rollbackErr)
			}
			response.Error = err
			d.sendResponse(request, response)
			return
		}
		logger.Info("config change applied", "key", request.Key, "updater", name)
	}

	response.Success = true
	d.sendResponse(request, response)
}

func (d *DynamicConfigManager) sendResponse(request UpdateRequest, response UpdateResponse) {
	select {
	case request.Response <- response:
	default:
		d.manager.logger.Warn("failed to send update response", "key", request.Key)
	}
}

// Stop ends processing and waits for the update in progress.
func (d *DynamicConfigManager) Stop() {
	d.cancel()
	d.wg.Wait()
}

type ComponentUpdater struct {
	name         string
	keys         []string
	applyFunc    func(key string, value interface{}) error
	rollbackFunc func(key string, oldValue interface{}) error
}

// NewComponentUpdater handles every key equal to or below one of keys.
// rollback may be nil.
func NewComponentUpdater(name string, keys []string,
	apply func(key string, value interface{}) error,
	rollback func(key string, oldValue interface{}) error,
) *ComponentUpdater {
	return &ComponentUpdater{
		name:         name,
		keys:         keys,
		applyFunc:    apply,
		rollbackFunc: rollback,
	}
}

func (c *ComponentUpdater) Name() string {
	return c.name
}

func (c *ComponentUpdater) CanUpdate(key string) bool {
	for _, k := range c.keys {
		if k == key || strings.HasPrefix(key, k+".") {
			return true
		}
	}
	return false
}

func (c *ComponentUpdater) ApplyUpdate(key string, value interface{}) error {
	if c.applyFunc != nil {
		return c.applyFunc(key, value)
	}
	return nil
}

func (c *ComponentUpdater) RollbackUpdate(key string, oldValue interface{}) error {
	if c.rollbackFunc != nil {
		return c.rollbackFunc(key, oldValue)
	}
	return nil
}
