package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Source produces a nested configuration map. Kind orders sources: a
// higher kind overrides a lower one.
type Source interface {
	Name() string
	Kind() ConfigSource
	Load(ctx context.Context) (map[string]interface{}, error)
}

// WatchableSource can signal that its content changed on disk.
type WatchableSource interface {
	Source
	Watch(watcher *FileWatcher, onChange func()) error
}

type FileSource struct {
	paths []string
}

// NewFileSource reads each path in order, later files overriding earlier
// ones. Missing files are skipped.
func NewFileSource(paths ...string) *FileSource {
	return &FileSource{paths: paths}
}

func (f *FileSource) Name() string {
	return "file"
}

func (f *FileSource) Kind() ConfigSource {
	return SourceFile
}

func (f *FileSource) Paths() []string {
	return append([]string(nil), f.paths...)
}

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, path := range f.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		format, err := FormatFor(path)
		if err != nil {
			return nil, err
		}
		config, err := format.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", path, err)
		}
		result = mergeMaps(result, config)
	}
	return result, nil
}

func (f *FileSource) Watch(watcher *FileWatcher, onChange func()) error {
	for _, path := range f.paths {
		if err := watcher.Watch(path, onChange); err != nil {
			return fmt.Errorf("failed to watch file %s: %w", path, err)
		}
	}
	return nil
}

type EnvironmentSource struct {
	prefix string
	keys   map[string]string
}

// NewEnvironmentSource maps PREFIX_SECTION_KEY variables to section.key.
// Known keys resolve underscores that belong to a key name, so with
// kernel.error_strategy known, PREFIX_KERNEL_ERROR_STRATEGY maps to it.
func NewEnvironmentSource(prefix string, known ...string) *EnvironmentSource {
	keys := make(map[string]string, len(known))
	for _, key := range known {
		keys[strings.ReplaceAll(key, ".", "_")] = key
	}
	return &EnvironmentSource{
		prefix: prefix,
		keys:   keys,
	}
}

func (e *EnvironmentSource) Name() string {
	return "environment"
}

func (e *EnvironmentSource) Kind() ConfigSource {
	return SourceEnvironment
}

func (e *EnvironmentSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if e.prefix != "" && !strings.HasPrefix(key, e.prefix) {
			continue
		}

		name := strings.ToLower(strings.TrimPrefix(key, e.prefix))
		if name == "" {
			continue
		}
		configKey, known := e.keys[name]
		if !known {
			configKey = strings.ReplaceAll(name, "_", ".")
		}
		setNestedValue(result, configKey, parseEnvValue(value))
	}
	return result, nil
}

type FlagSource struct {
	args map[string]interface{}
}

// NewFlagSource takes dotted keys, typically from command line flags that
// were explicitly set.
func NewFlagSource(args map[string]interface{}) *FlagSource {
	return &FlagSource{args: args}
}

func (f *FlagSource) Name() string {
	return "flag"
}

func (f *FlagSource) Kind() ConfigSource {
	return SourceFlag
}

func (f *FlagSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for key, value := range f.args {
		setNestedValue(result, key, value)
	}
	return result, nil
}

func parseEnvValue(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// mergeMaps merges src into dst recursively. Nested maps from src are
// copied, never aliased.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for key, value := range src {
		srcMap, ok := value.(map[string]interface{})
		if !ok {
			dst[key] = value
			continue
		}
		dstMap, ok := dst[key].(map[string]interface{})
		if !ok {
			dstMap = make(map[string]interface{})
		}
		dst[key] = mergeMaps(dstMap, srcMap)
	}
	return dst
}

// flatten turns a nested map into dotted keys.
func flatten(prefix string, value interface{}, out map[string]interface{}) {
	nested, ok := value.(map[string]interface{})
	if !ok || (len(nested) == 0 && prefix != "") {
		if prefix != "" {
			out[prefix] = value
		}
		return
	}
	for k, v := range nested {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flatten(key, v, out)
	}
}
