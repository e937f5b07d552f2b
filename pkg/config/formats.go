package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ConfigFormat interface {
	Name() string
	Extension() []string
	Unmarshal(data []byte) (map[string]interface{}, error)
	Marshal(config map[string]interface{}) ([]byte, error)
}

type JSONFormat struct{}

func (f *JSONFormat) Name() string { return "json" }

func (f *JSONFormat) Extension() []string { return []string{".json"} }

func (f *JSONFormat) Unmarshal(data []byte) (map[string]interface{}, error) {
	var config map[string]interface{}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return config, nil
}

func (f *JSONFormat) Marshal(config map[string]interface{}) ([]byte, error) {
	return json.MarshalIndent(config, "", "  ")
}

type YAMLFormat struct{}

func (f *YAMLFormat) Name() string { return "yaml" }

func (f *YAMLFormat) Extension() []string { return []string{".yaml", ".yml"} }

func (f *YAMLFormat) Unmarshal(data []byte) (map[string]interface{}, error) {
	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return config, nil
}

func (f *YAMLFormat) Marshal(config map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(config)
}

var formats = []ConfigFormat{&JSONFormat{}, &YAMLFormat{}}

// FormatFor picks a format from the file extension.
func FormatFor(path string) (ConfigFormat, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range formats {
		for _, candidate := range format.Extension() {
			if ext == candidate {
				return format, nil
			}
		}
	}
	return nil, fmt.Errorf("unsupported config format: %s", ext)
}
