package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	authjwt "microkernel/pkg/auth/jwt"
	"microkernel/pkg/config"
	"microkernel/pkg/plugin"
)

// newVerifier returns nil when manifest signatures are not checked.
func newVerifier(cfg config.ManifestConfig) (plugin.ManifestVerifier, error) {
	if !cfg.Verify {
		return nil, nil
	}

	publicKey, err := readKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest public key: %w", err)
	}

	provider, err := authjwt.NewJWTProvider(&authjwt.JWTConfig{
		Name:      "manifests",
		SecretKey: cfg.SecretKey,
		PublicKey: publicKey,
		Algorithm: cfg.Algorithm,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest verifier: %w", err)
	}
	return provider, nil
}

// readKey returns PEM material as is and reads anything else as a file.
func readKey(value string) (string, error) {
	if value == "" || strings.HasPrefix(strings.TrimSpace(value), "-----BEGIN") {
		return value, nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// loadManifests builds every plugin in plugins.directory, keeping only
// plugins.enabled when it is set. The error reports manifests that failed;
// the plugins that loaded are returned regardless.
func (a *app) loadManifests() ([]plugin.Plugin, error) {
	verifier, err := newVerifier(a.cfg.Manifests)
	if err != nil {
		return nil, err
	}

	loader := plugin.NewLoader(verifier, a.logger)
	if err := registerBuiltins(loader, settings{manager: a.manager}); err != nil {
		return nil, err
	}

	plugins, loadErr := loader.LoadDir(a.cfg.Plugins.Directory)
	if len(a.cfg.Plugins.Enabled) == 0 {
		return plugins, loadErr
	}

	enabled := make(map[string]bool, len(a.cfg.Plugins.Enabled))
	for _, name := range a.cfg.Plugins.Enabled {
		enabled[name] = true
	}
	filtered := plugins[:0]
	for _, p := range plugins {
		if enabled[p.Metadata().Name] {
			filtered = append(filtered, p)
		} else {
			a.logger.Debug("plugin not enabled", "plugin", p.Metadata().Name)
		}
	}
	return filtered, loadErr
}

// buildGraph adds every plugin to a fresh dependency graph, rejecting
// duplicate names.
func buildGraph(plugins []plugin.Plugin) (*plugin.DependencyGraph, error) {
	graph := plugin.NewDependencyGraph()
	var result *multierror.Error
	for _, p := range plugins {
		metadata := p.Metadata()
		if graph.HasPlugin(metadata.Name) {
			result = multierror.Append(result, fmt.Errorf("%w: %s", plugin.ErrPluginAlreadyRegistered, metadata.Name))
			continue
		}
		graph.AddPlugin(metadata.Name, metadata.Dependencies)
	}
	return graph, result.ErrorOrNil()
}
