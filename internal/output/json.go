package output

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONFormatter formats results as indented JSON.
type JSONFormatter struct{}

// FormatResponse formats the reply as a JSON object. An empty reply is {}.
func (f *JSONFormatter) FormatResponse(method string, resp map[string]any) (string, error) {
	if resp == nil {
		resp = map[string]any{}
	}
	return encodeJSON(resp, method)
}

// FormatError formats the error as a JSON object.
func (f *JSONFormatter) FormatError(e *CallError) (string, error) {
	return encodeJSON(map[string]any{"error": e}, e.Method)
}

func encodeJSON(v any, method string) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal %s result to JSON: %w", method, err)
	}
	return buf.String(), nil
}
