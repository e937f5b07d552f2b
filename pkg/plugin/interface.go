package plugin

import (
	"context"
	"fmt"
	"time"

	"microkernel/pkg/store"
)

type PluginState int

const (
	StateRegistered PluginState = iota
	StateInitializing
	StateReady
	StateFailed
	StateDestroying
	StateDestroyed
)

func (s PluginState) String() string {
	names := [...]string{
		"registered",
		"initializing",
		"ready",
		"failed",
		"destroying",
		"destroyed",
	}
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return names[s]
}

func (s PluginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// KernelState is the lifecycle state of the kernel itself.
type KernelState int

const (
	KernelCreated KernelState = iota
	KernelInitializing
	KernelReady
	KernelDestroying
	KernelDestroyed
)

func (s KernelState) String() string {
	names := [...]string{
		"created",
		"initializing",
		"ready",
		"destroying",
		"destroyed",
	}
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("kernel(%d)", int(s))
	}
	return names[s]
}

type Metadata struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Plugin is the contract every unit registered with a Kernel satisfies.
// Install runs synchronously inside Use and must not block.
type Plugin interface {
	Metadata() Metadata
	Install(k *Kernel) error
}

// Initializer is implemented by plugins that acquire resources once their
// dependencies are ready.
type Initializer interface {
	OnInit(ctx context.Context, shared *store.Store) error
}

// Destroyer is implemented by plugins that release resources on teardown.
type Destroyer interface {
	OnDestroy(ctx context.Context) error
}

// ErrorHandler receives every lifecycle failure of its own plugin.
type ErrorHandler interface {
	OnError(err error)
}

// Definition adapts plain functions to the Plugin contract. Nil hooks are no-ops.
type Definition struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string

	InstallFunc func(k *Kernel) error
	InitFunc    func(ctx context.Context, shared *store.Store) error
	DestroyFunc func(ctx context.Context) error
	ErrorFunc   func(err error)
}

func (d *Definition) Metadata() Metadata {
	deps := make([]string, len(d.Dependencies))
	copy(deps, d.Dependencies)
	return Metadata{
		Name:         d.Name,
		Version:      d.Version,
		Description:  d.Description,
		Dependencies: deps,
	}
}

func (d *Definition) Install(k *Kernel) error {
	if d.InstallFunc == nil {
		return nil
	}
	return d.InstallFunc(k)
}

func (d *Definition) OnInit(ctx context.Context, shared *store.Store) error {
	if d.InitFunc == nil {
		return nil
	}
	return d.InitFunc(ctx, shared)
}

func (d *Definition) OnDestroy(ctx context.Context) error {
	if d.DestroyFunc == nil {
		return nil
	}
	return d.DestroyFunc(ctx)
}

func (d *Definition) OnError(err error) {
	if d.ErrorFunc != nil {
		d.ErrorFunc(err)
	}
}

// Info is a point-in-time snapshot of a registered plugin.
type Info struct {
	Metadata      Metadata    `json:"metadata"`
	State         PluginState `json:"state"`
	InitializedAt time.Time   `json:"initialized_at,omitzero"`
}

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
