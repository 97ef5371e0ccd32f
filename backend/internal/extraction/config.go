package extraction

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

// LayerConfig describes one extracted layer. Prompt steers what the model
// pulls out of the content for that layer.
type LayerConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	LayerType   string `json:"layer_type" yaml:"layer_type"`
	Prompt      string `json:"prompt" yaml:"prompt"`
}

type layerConfigFile struct {
	Layers []LayerConfig `yaml:"layers"`
}

// DefaultLayerConfigs is the single layer used when no configuration is given
func DefaultLayerConfigs() []LayerConfig {
	return []LayerConfig{{
		Name:        "Base Layer",
		Description: "Basic information extracted from content",
		LayerType:   layered.LayerTypeBase,
		Prompt:      "Extract the main entities and relationships from the content",
	}}
}

// LoadLayerConfigs reads a YAML file with a top-level "layers" list. An
// empty path yields DefaultLayerConfigs.
func LoadLayerConfigs(path string) ([]LayerConfig, error) {
	if path == "" {
		return DefaultLayerConfigs(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer config %s: %w", path, err)
	}
	return ParseLayerConfigs(data)
}

// ParseLayerConfigs decodes and validates a layer configuration document
func ParseLayerConfigs(data []byte) ([]LayerConfig, error) {
	var file layerConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, lgerrors.NewConfigValidationFailed("layers", err.Error())
	}
	if len(file.Layers) == 0 {
		return nil, lgerrors.NewConfigValidationFailed("layers", "at least one layer is required")
	}
	seen := make(map[string]bool, len(file.Layers))
	for i := range file.Layers {
		l := &file.Layers[i]
		l.Name = strings.TrimSpace(l.Name)
		if l.Name == "" {
			return nil, lgerrors.NewConfigValidationFailed(fmt.Sprintf("layers[%d].name", i), "must not be empty")
		}
		if seen[l.Name] {
			return nil, lgerrors.NewConfigValidationFailed(fmt.Sprintf("layers[%d].name", i), "duplicate layer "+l.Name)
		}
		seen[l.Name] = true
		if l.LayerType == "" {
			l.LayerType = layered.LayerTypeEnrichment
			if i == 0 {
				l.LayerType = layered.LayerTypeBase
			}
		}
	}
	return file.Layers, nil
}
