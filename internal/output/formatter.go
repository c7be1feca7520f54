// Package output provides formatters for displaying management API replies
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable key/value format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// CallError describes a failed call.
type CallError struct {
	Method  string `json:"method" yaml:"method"`
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	// Reason is the error classification reported by the agent, if any.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Formatter formats call results for output.
type Formatter interface {
	// FormatResponse formats the reply of a successful call.
	FormatResponse(method string, resp map[string]any) (string, error)

	// FormatError formats a failed call.
	FormatError(e *CallError) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
