package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts the config file to JSON bytes so both formats
// go through the same strict decoder. String values may reference the
// environment as ${NAME}; secrets such as smtp.password usually do.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	format := "json"
	var v any
	if ext == ".yaml" || ext == ".yml" {
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("json unmarshal: %w", err)
		}
	}

	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalize makes every map key a string and expands ${NAME} in string values.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalize(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case string:
		if strings.Contains(x, "${") {
			return os.Expand(x, os.Getenv)
		}
		return x
	default:
		return in
	}
}
