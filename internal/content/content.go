// Package content converts between wire formats and the generic content tree
// used inside the pipeline. Parsers decode request bodies selected by
// Content-Type; renderers encode response values selected by content
// negotiation over the Accept header.
//
// The generic tree is made of map[string]any, []any, string, bool, nil and
// numbers (json.Number, int, int64 or float64), so downstream validation does
// not depend on the format the client used.
package content

import (
	"encoding/json"
	"fmt"
	"mime"
	"sort"
	"strings"
)

// Media types supported out of the box.
const (
	MediaTypeJSON       = "application/json"
	MediaTypeJavaScript = "application/javascript"
	MediaTypeXML        = "application/xml"
	MediaTypeYAML       = "application/yaml"
	MediaTypeForm       = "application/x-www-form-urlencoded"
	MediaTypeText       = "text/plain"
)

// ParseMediaType splits a Content-Type or Accept entry into its lower-cased
// base type and parameters. Malformed parameters are dropped rather than
// failing the whole value.
func ParseMediaType(v string) (string, map[string]string) {
	base, params, err := mime.ParseMediaType(v)
	if err != nil {
		base = strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
		params = map[string]string{}
	}
	return strings.ToLower(base), params
}

// Generic converts an arbitrary value (typically a handler's struct result)
// into the generic content tree by way of its JSON representation. Values that
// are already generic are returned as-is.
func Generic(v any) (any, error) {
	if isGeneric(v) {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("convert %T to content tree: %w", v, err)
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("convert %T to content tree: %w", v, err)
	}
	return out, nil
}

func isGeneric(v any) bool {
	switch t := v.(type) {
	case nil, string, bool, json.Number, int, int64, float64:
		return true
	case map[string]any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	case []any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// normalize rewrites decoder-specific shapes into the generic tree: YAML
// mappings with non-string keys become map[string]any and json.Number is
// turned into int64 or float64 when plain numbers are wanted.
func normalize(v any, plainNumbers bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e, plainNumbers)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e, plainNumbers)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e, plainNumbers)
		}
		return out
	case json.Number:
		if !plainNumbers {
			return t
		}
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
