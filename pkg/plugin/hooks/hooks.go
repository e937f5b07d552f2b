package hooks

import "time"

// Reserved event names emitted by the kernel. Subscribers to these names
// receive the matching payload type below.
const (
	//Plugin lifecycle events
	PluginInstall = "plugin:install"
	PluginInit    = "plugin:init"
	PluginDestroy = "plugin:destroy"
	PluginError   = "plugin:error"

	//Kernel lifecycle events
	KernelInit      = "kernel:init"
	KernelReady     = "kernel:ready"
	KernelDestroy   = "kernel:destroy"
	KernelDestroyed = "kernel:destroyed"
)

var reserved = map[string]struct{}{
	PluginInstall:   {},
	PluginInit:      {},
	PluginDestroy:   {},
	PluginError:     {},
	KernelInit:      {},
	KernelReady:     {},
	KernelDestroy:   {},
	KernelDestroyed: {},
}

// IsReserved reports whether event is one of the kernel's own event names.
func IsReserved(event string) bool {
	_, ok := reserved[event]
	return ok
}

type PluginInstallPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type PluginInitPayload struct {
	Name string `json:"name"`
}

type PluginDestroyPayload struct {
	Name string `json:"name"`
}

type PluginErrorPayload struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

type KernelInitPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type KernelReadyPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Plugins   []string  `json:"plugins"`
}

type KernelDestroyPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type KernelDestroyedPayload struct {
	Timestamp time.Time `json:"timestamp"`
}
