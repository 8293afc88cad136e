package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSONBytes re-encodes a YAML config file as JSON so Parse can run one
// strict decoder (DisallowUnknownFields) over both formats. Anything without
// a yaml extension is passed through as-is and treated as JSON.
//
// yaml/v3 decodes mappings as map[string]any, which marshals to JSON
// directly; a document that cannot be represented as JSON (for example one
// with non-string mapping keys) is rejected here.
func toJSONBytes(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("yaml: not representable as JSON: %w", err)
	}
	return out, nil
}
