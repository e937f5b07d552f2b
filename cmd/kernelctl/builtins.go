package main

import (
	"context"
	"fmt"

	"microkernel/pkg/config"
	"microkernel/pkg/plugin"
	"microkernel/pkg/store"
)

const (
	kindStatic     = "static"
	kindCapability = "capability"
)

// settings merges a manifest's config with plugins.configs.<name>, which
// wins. It is read on every init so a reload picks up changes.
type settings struct {
	manager *config.ConfigManager
}

func (s settings) For(m plugin.Manifest) map[string]interface{} {
	merged := make(map[string]interface{}, len(m.Config))
	for k, v := range m.Config {
		merged[k] = v
	}
	if s.manager == nil {
		return merged
	}
	if override, err := s.manager.GetStringMap("plugins.configs." + m.Name); err == nil {
		for k, v := range override {
			merged[k] = v
		}
	}
	return merged
}

// registerBuiltins adds the plugin kinds kernelctl ships with.
//
// static publishes its settings into the shared context under the plugin
// name. capability provides its settings as a kernel capability keyed by
// settings["key"], or the plugin name.
func registerBuiltins(loader *plugin.Loader, s settings) error {
	if err := loader.Register(kindStatic, func(m plugin.Manifest) (plugin.Plugin, error) {
		return &plugin.Definition{
			Name: m.Name,
			InitFunc: func(ctx context.Context, shared *store.Store) error {
				shared.DeepUpdate(map[string]interface{}{m.Name: s.For(m)})
				return nil
			},
		}, nil
	}); err != nil {
		return err
	}

	return loader.Register(kindCapability, func(m plugin.Manifest) (plugin.Plugin, error) {
		c := &capabilityPlugin{manifest: m, settings: s}
		return &plugin.Definition{
			Name:        m.Name,
			InstallFunc: c.install,
			InitFunc:    c.init,
			DestroyFunc: c.destroy,
		}, nil
	})
}

type capabilityPlugin struct {
	manifest plugin.Manifest
	settings settings
	kernel   *plugin.Kernel
	key      string
}

func (c *capabilityPlugin) install(k *plugin.Kernel) error {
	c.kernel = k
	return nil
}

func (c *capabilityPlugin) init(ctx context.Context, shared *store.Store) error {
	values := c.settings.For(c.manifest)
	key := c.manifest.Name
	if k, ok := values["key"].(string); ok && k != "" {
		key = k
	}
	if err := c.kernel.Provide(key, values); err != nil {
		return fmt.Errorf("failed to provide %s: %w", key, err)
	}
	c.key = key
	return nil
}

func (c *capabilityPlugin) destroy(ctx context.Context) error {
	if c.key != "" {
		c.kernel.Revoke(c.key)
	}
	return nil
}
