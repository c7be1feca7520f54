package output

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats results as YAML.
type YAMLFormatter struct{}

// FormatResponse formats the reply as a YAML mapping. An empty reply is {}.
func (f *YAMLFormatter) FormatResponse(method string, resp map[string]any) (string, error) {
	if resp == nil {
		resp = map[string]any{}
	}
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s result to YAML: %w", method, err)
	}
	return string(data), nil
}

// FormatError formats the error under an error key.
func (f *YAMLFormatter) FormatError(e *CallError) (string, error) {
	data, err := yaml.Marshal(map[string]*CallError{"error": e})
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s error to YAML: %w", e.Method, err)
	}
	return string(data), nil
}
