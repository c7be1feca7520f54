package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
)

// TableFormatter formats results as human-readable key/value tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatResponse writes one row per reply field. Nested values are flattened
// with dotted keys.
func (f *TableFormatter) FormatResponse(method string, resp map[string]any) (string, error) {
	if len(resp) == 0 {
		return method + ": ok\n", nil
	}

	rows := make(map[string]string)
	flatten("", resp, rows)
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	// Write header unless NoHeaders is set
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "FIELD\tVALUE")
	}
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, rows[k])
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatError writes the error as a single row.
func (f *TableFormatter) FormatError(e *CallError) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "METHOD\tCODE\tREASON\tMESSAGE")
	}
	reason := e.Reason
	if reason == "" {
		reason = "-"
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Method, e.Code, reason, e.Message)

	_ = w.Flush()
	return buf.String(), nil
}

func flatten(prefix string, v any, rows map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			rows[prefix] = "{}"
		}
		for k, sub := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, sub, rows)
		}
	case string:
		rows[prefix] = t
	case nil:
		rows[prefix] = "-"
	default:
		// Lists and scalars print as compact JSON.
		data, err := json.Marshal(t)
		if err != nil {
			rows[prefix] = fmt.Sprint(t)
			return
		}
		rows[prefix] = string(data)
	}
}
