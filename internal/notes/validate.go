package notes

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Field limits.
const (
	MaxTitleLength = 200
	MaxBodyLength  = 10000
	MaxTags        = 20
)

// input is validated note content. Nil fields were absent from the request.
type input struct {
	Title *string
	Body  *string
	Tags  []string
	// HasTags distinguishes an absent tags field from an empty list.
	HasTags bool
}

// validate checks parsed content for create (POST), replace (PUT) and
// partial update (PATCH) requests. Other verbs pass content through.
func validate(method string, content any) (any, map[string]string) {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return content, nil
	}

	errs := map[string]string{}
	var fields map[string]any
	switch c := content.(type) {
	case nil:
		fields = map[string]any{}
	case map[string]any:
		fields = c
	default:
		return nil, map[string]string{"non_field_errors": "Expected an object."}
	}

	partial := method == http.MethodPatch
	in := &input{}

	if v, ok := fields["title"]; ok {
		if s, err := stringField(v, MaxTitleLength); err != "" {
			errs["title"] = err
		} else if s == "" {
			errs["title"] = "This field may not be blank."
		} else {
			in.Title = &s
		}
	} else if !partial {
		errs["title"] = "This field is required."
	}

	if v, ok := fields["body"]; ok {
		if s, err := stringField(v, MaxBodyLength); err != "" {
			errs["body"] = err
		} else {
			in.Body = &s
		}
	}

	if v, ok := fields["tags"]; ok {
		tags, err := tagsField(v)
		if err != "" {
			errs["tags"] = err
		} else {
			in.Tags = tags
			in.HasTags = true
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return in, nil
}

func stringField(v any, max int) (string, string) {
	s, ok := v.(string)
	if !ok {
		return "", "Must be a string."
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > max {
		return "", fmt.Sprintf("Ensure this field has no more than %d characters.", max)
	}
	return s, ""
}

// tagsField accepts a list of strings or, for form bodies, a single string.
// Tags are trimmed, lower-cased and deduplicated in order.
func tagsField(v any) ([]string, string) {
	var raw []any
	switch t := v.(type) {
	case nil:
	case string:
		raw = []any{t}
	case []any:
		raw = t
	default:
		return nil, "Expected a list of strings."
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, "Expected a list of strings."
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return nil, "Tags may not be blank."
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) > MaxTags {
		return nil, fmt.Sprintf("Ensure this field has no more than %d elements.", MaxTags)
	}
	return out, ""
}
