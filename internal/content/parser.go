package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"restpipe/internal/apierror"
)

// Parser decodes a request body of one media type into the generic content
// tree. Errors are plain diagnostics; Parsers wraps them into pipeline errors.
type Parser interface {
	MediaType() string
	Parse(body []byte, params map[string]string) (any, error)
}

// Parsers selects a parser by the base media type of the request
// Content-Type, in registration order.
type Parsers []Parser

// DefaultParsers returns the built-in parser set.
func DefaultParsers() Parsers {
	return Parsers{JSONParser{}, FormParser{}, XMLParser{}, YAMLParser{}, TextParser{}}
}

// MediaTypes lists the media types that have a parser.
func (ps Parsers) MediaTypes() []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.MediaType())
	}
	return out
}

// Lookup returns the parser registered for the base media type.
func (ps Parsers) Lookup(mediaType string) (Parser, bool) {
	for _, p := range ps {
		if p.MediaType() == mediaType {
			return p, true
		}
	}
	return nil, false
}

// Parse decodes body according to contentType. An empty body yields nil
// content without consulting the Content-Type; a non-empty body with a
// missing or unknown Content-Type is an unsupported media type.
func (ps Parsers) Parse(contentType string, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if contentType == "" {
		return nil, apierror.NewUnsupportedMediaType("", ps.MediaTypes())
	}
	base, params := ParseMediaType(contentType)
	p, ok := ps.Lookup(base)
	if !ok {
		return nil, apierror.NewUnsupportedMediaType(contentType, ps.MediaTypes())
	}
	v, err := p.Parse(body, params)
	if err != nil {
		return nil, apierror.NewMalformedContent(fmt.Sprintf("%s parse error - %v", base, err), nil)
	}
	return v, nil
}

// JSONParser decodes application/json. Numbers are kept as json.Number so
// integers survive without float rounding.
type JSONParser struct{}

func (JSONParser) MediaType() string { return MediaTypeJSON }

func (JSONParser) Parse(body []byte, _ map[string]string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

// FormParser decodes application/x-www-form-urlencoded. Keys with a single
// value map to a string; repeated keys map to a list.
type FormParser struct{}

func (FormParser) MediaType() string { return MediaTypeForm }

func (FormParser) Parse(body []byte, _ map[string]string) (any, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		out[k] = list
	}
	return out, nil
}

// XMLParser decodes the <root> document layout produced by XMLRenderer.
type XMLParser struct{}

func (XMLParser) MediaType() string { return MediaTypeXML }

func (XMLParser) Parse(body []byte, _ map[string]string) (any, error) {
	return decodeXML(body)
}

// YAMLParser decodes application/yaml.
type YAMLParser struct{}

func (YAMLParser) MediaType() string { return MediaTypeYAML }

func (YAMLParser) Parse(body []byte, _ map[string]string) (any, error) {
	var v any
	if err := yaml.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return normalize(v, false), nil
}

// TextParser passes text/plain bodies through as a string.
type TextParser struct{}

func (TextParser) MediaType() string { return MediaTypeText }

func (TextParser) Parse(body []byte, _ map[string]string) (any, error) {
	if !utf8.Valid(body) {
		return nil, errors.New("body is not valid UTF-8")
	}
	return string(body), nil
}
