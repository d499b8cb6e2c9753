package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON turns a YAML config into JSON so both formats go through the same
// strict decoder. JSON input passes through untouched.
//
// YAML string values may reference environment variables as ${NAME}, which
// keeps the bot token out of the file. Unset variables are an error.
func toJSON(name string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	v, err := normalizeYAML("", v)
	if err != nil {
		return nil, err
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json: %w", err)
	}
	return j, nil
}

// normalizeYAML requires string keys and expands ${NAME} in string values.
func normalizeYAML(path string, in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			n, err := normalizeYAML(join(path, k), v)
			if err != nil {
				return nil, err
			}
			m[k] = n
		}
		return m, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a string", orRoot(path), k)
			}
			n, err := normalizeYAML(join(path, ks), v)
			if err != nil {
				return nil, err
			}
			m[ks] = n
		}
		return m, nil
	case []any:
		for i := range x {
			n, err := normalizeYAML(fmt.Sprintf("%s[%d]", path, i), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case string:
		return expandEnv(path, x)
	default:
		return in, nil
	}
}

func expandEnv(path, s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var missing []string
	out := os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%s: environment variable %s is not set", path, strings.Join(missing, ", "))
	}
	return out, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
