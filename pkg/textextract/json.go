package textextract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

func extractJSON(data []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data after top-level value")
	}

	var out []Record
	if arr, ok := v.([]any); ok {
		for i, el := range arr {
			if text := renderJSON(el); text != "" {
				out = append(out, newRecord(text, "element", strconv.Itoa(i)))
			}
		}
		return out, nil
	}
	if text := renderJSON(v); text != "" {
		out = append(out, newRecord(text))
	}
	return out, nil
}

// renderJSON turns an object into sorted "key: value" lines. A string
// "content" field is used verbatim instead.
func renderJSON(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return strings.TrimSpace(scalarString(v))
	}
	if c, ok := obj["content"].(string); ok && strings.TrimSpace(c) != "" {
		return strings.TrimSpace(c)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		val := scalarString(obj[k])
		if val == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(val)
	}
	return b.String()
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
