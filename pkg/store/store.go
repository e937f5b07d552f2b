package store

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Store is the shared context handed to every plugin. Each call locks for
// memory safety only; read-modify-write sequences spanning several calls are
// not coordinated.
type Store struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// New creates a store seeded with a shallow copy of initial.
func New(initial map[string]interface{}) *Store {
	data := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &Store{data: data}
}

// Get returns a shallow copy of the whole context.
func (s *Store) Get() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *Store) Value(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	return v, ok
}

// Update shallow-merges partial into the context.
func (s *Store) Update(partial map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range partial {
		s.data[k] = v
	}
}

// DeepUpdate merges partial recursively: nested maps are merged key by key,
// any other value replaces what was there.
func (s *Store) DeepUpdate(partial map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = deepMerge(s.data, partial)
}

// Decode copies the context into out, a pointer to a struct or map, using
// mapstructure tags.
func (s *Store) Decode(out interface{}) error {
	return s.DecodeKey("", out)
}

// DecodeKey decodes a single top-level key, or the whole context for "".
func (s *Store) DecodeKey(key string, out interface{}) error {
	var input interface{}
	if key == "" {
		input = s.Get()
	} else {
		v, ok := s.Value(key)
		if !ok {
			return fmt.Errorf("context key not found: %s", key)
		}
		input = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode context: %w", err)
	}
	return nil
}

func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(copyMap(dstMap), srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
