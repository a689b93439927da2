package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trellis-labs/trellis/core"
)

// loadGraphFile reads a graph definition from a JSON or YAML file. YAML is
// converted through JSON so only the json field names apply.
func loadGraphFile(path string) (core.Graph, error) {
	// #nosec G304 -- path comes from the command line.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Graph{}, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return core.Graph{}, fmt.Errorf("reading file: %w", err)
	}

	jsonData, err := yamlToJSONIfNeeded(data, path)
	if err != nil {
		return core.Graph{}, exitError(exitInputParse, "parsing %s: %v", path, err)
	}

	var graph core.Graph
	if err := json.Unmarshal(jsonData, &graph); err != nil {
		return core.Graph{}, exitError(exitInputParse, "parsing %s: %v", path, err)
	}
	return graph, nil
}

func yamlToJSONIfNeeded(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML rewrites yaml.v3 map[string]any trees so json.Marshal
// accepts them even when keys were parsed as non-strings.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
