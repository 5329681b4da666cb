package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Renderer encodes a response value into one media type. Render returns the
// encoded bytes and the Content-Type to send with them.
type Renderer interface {
	MediaType() string
	// Format is the short name accepted by the format query override.
	Format() string
	Render(v any, params map[string]string) ([]byte, string, error)
}

// DefaultRenderers returns the built-in renderers in server preference order.
func DefaultRenderers() []Renderer {
	return []Renderer{JSONRenderer{}, JSONPRenderer{}, XMLRenderer{}, YAMLRenderer{}, TextRenderer{}}
}

// JSONRenderer writes application/json. An "indent" media type parameter
// between 0 and 8 pretty-prints the output.
type JSONRenderer struct{}

func (JSONRenderer) MediaType() string { return MediaTypeJSON }
func (JSONRenderer) Format() string    { return "json" }

func (r JSONRenderer) Render(v any, params map[string]string) ([]byte, string, error) {
	data, err := encodeJSON(v, params["indent"])
	if err != nil {
		return nil, "", err
	}
	return data, MediaTypeJSON, nil
}

func encodeJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if n, err := strconv.Atoi(indent); err == nil && n >= 0 && n <= 8 {
		enc.SetIndent("", string(bytes.Repeat([]byte(" "), n)))
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DefaultCallback is the function name used when a JSONP request names none.
const DefaultCallback = "callback"

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// ValidCallback reports whether name is safe to emit as a JavaScript callee.
func ValidCallback(name string) bool {
	return callbackPattern.MatchString(name)
}

// JSONPRenderer wraps JSON output in a call to Callback. The renderer may be
// selected through the Accept header or the "jsonp" format, and JSON
// selections are upgraded to it when the request names a callback.
type JSONPRenderer struct {
	Callback string
}

func (JSONPRenderer) MediaType() string { return MediaTypeJavaScript }
func (JSONPRenderer) Format() string    { return "jsonp" }

func (r JSONPRenderer) Render(v any, params map[string]string) ([]byte, string, error) {
	data, err := encodeJSON(v, params["indent"])
	if err != nil {
		return nil, "", err
	}
	cb := r.Callback
	if !ValidCallback(cb) {
		cb = DefaultCallback
	}
	out := make([]byte, 0, len(cb)+len(data)+3)
	out = append(out, cb...)
	out = append(out, '(')
	out = append(out, data...)
	out = append(out, ')', ';')
	return out, MediaTypeJavaScript, nil
}

// XMLRenderer writes the generic tree under a <root> element.
type XMLRenderer struct{}

func (XMLRenderer) MediaType() string { return MediaTypeXML }
func (XMLRenderer) Format() string    { return "xml" }

func (XMLRenderer) Render(v any, _ map[string]string) ([]byte, string, error) {
	g, err := Generic(v)
	if err != nil {
		return nil, "", err
	}
	data, err := encodeXML(g)
	if err != nil {
		return nil, "", err
	}
	return data, MediaTypeXML, nil
}

// YAMLRenderer writes application/yaml.
type YAMLRenderer struct{}

func (YAMLRenderer) MediaType() string { return MediaTypeYAML }
func (YAMLRenderer) Format() string    { return "yaml" }

func (YAMLRenderer) Render(v any, _ map[string]string) ([]byte, string, error) {
	g, err := Generic(v)
	if err != nil {
		return nil, "", err
	}
	data, err := yaml.Marshal(normalize(g, true))
	if err != nil {
		return nil, "", err
	}
	return data, MediaTypeYAML, nil
}

// TextRenderer writes strings verbatim and anything else through fmt.
type TextRenderer struct{}

func (TextRenderer) MediaType() string { return MediaTypeText }
func (TextRenderer) Format() string    { return "txt" }

func (TextRenderer) Render(v any, _ map[string]string) ([]byte, string, error) {
	ct := MediaTypeText + "; charset=utf-8"
	switch t := v.(type) {
	case nil:
		return []byte{}, ct, nil
	case string:
		return []byte(t), ct, nil
	case []byte:
		return t, ct, nil
	case fmt.Stringer:
		return []byte(t.String()), ct, nil
	}
	g, err := Generic(v)
	if err != nil {
		return nil, "", err
	}
	return []byte(fmt.Sprint(g)), ct, nil
}
