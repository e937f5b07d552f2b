package plugin

import "fmt"

// Provide publishes a named capability, typically from an Install hook, for
// later plugins to look up. A key can be provided once.
func (k *Kernel) Provide(key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty capability key", ErrInvalidPlugin)
	}
	if !k.capabilities.SetIfAbsent(key, value) {
		return fmt.Errorf("%w: %s", ErrCapabilityExists, key)
	}
	k.logger.Debug("capability provided", "key", key)
	return nil
}

func (k *Kernel) Capability(key string) (any, bool) {
	return k.capabilities.Get(key)
}

// Revoke removes a capability, e.g. from a plugin's OnDestroy.
func (k *Kernel) Revoke(key string) {
	k.capabilities.Remove(key)
}

// Capabilities returns the provided keys in no particular order.
func (k *Kernel) Capabilities() []string {
	return k.capabilities.Keys()
}

// Lookup returns the capability stored under key if it has type T.
func Lookup[T any](k *Kernel, key string) (T, bool) {
	var zero T
	value, ok := k.capabilities.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
