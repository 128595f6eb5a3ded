package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a workflow spec from YAML.
func ParseYAML(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	return &spec, nil
}

// ParseJSON decodes a workflow spec from JSON.
func ParseJSON(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow json: %w", err)
	}
	return &spec, nil
}
