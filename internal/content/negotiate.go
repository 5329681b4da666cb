package content

import (
	"strings"

	"github.com/munnerz/goautoneg"

	"restpipe/internal/apierror"
)

// Query parameters that steer negotiation.
const (
	FormatParam   = "format"
	CallbackParam = "callback"
)

// Selection is the outcome of negotiation: the renderer and the parameters of
// the Accept entry that chose it.
type Selection struct {
	Renderer Renderer
	Params   map[string]string
}

// Render encodes v with the selected renderer.
func (s Selection) Render(v any) ([]byte, string, error) {
	return s.Renderer.Render(v, s.Params)
}

// Negotiator picks a renderer for a request.
type Negotiator struct {
	// Renderers in server preference order. Ties in client quality go to the
	// earlier renderer.
	Renderers []Renderer
	// Default is used when nothing matches and Strict is off, and on the
	// error path. Nil means the first renderer.
	Default Renderer
	// Strict turns an unmatched Accept header into 406.
	Strict bool
}

// NewNegotiator builds a negotiator over the built-in renderers.
func NewNegotiator(strict bool) *Negotiator {
	return &Negotiator{Renderers: DefaultRenderers(), Strict: strict}
}

// MediaTypes lists the media types the negotiator can produce.
func (n *Negotiator) MediaTypes() []string {
	out := make([]string, 0, len(n.Renderers))
	for _, r := range n.Renderers {
		out = append(out, r.MediaType())
	}
	return out
}

// ByFormat returns the renderer whose short format name is format.
func (n *Negotiator) ByFormat(format string) (Renderer, bool) {
	for _, r := range n.Renderers {
		if r.Format() == format {
			return r, true
		}
	}
	return nil, false
}

// Fallback returns the selection used when negotiation cannot run or failed.
func (n *Negotiator) Fallback() Selection {
	if n.Default != nil {
		return Selection{Renderer: n.Default, Params: map[string]string{}}
	}
	if len(n.Renderers) > 0 {
		return Selection{Renderer: n.Renderers[0], Params: map[string]string{}}
	}
	return Selection{Renderer: JSONRenderer{}, Params: map[string]string{}}
}

// Select chooses a renderer. A format override naming a known renderer wins
// unconditionally. Otherwise each renderer is scored by the quality of the
// most specific Accept range that covers it and the best score wins. An empty
// Accept header is treated as */*. A callback name upgrades a JSON selection
// to JSONP.
func (n *Negotiator) Select(accept, format, callback string) (Selection, error) {
	sel, err := n.selectRenderer(accept, format)
	if err != nil {
		return Selection{}, err
	}
	return withCallback(sel, callback), nil
}

func (n *Negotiator) selectRenderer(accept, format string) (Selection, error) {
	if format != "" {
		for _, r := range n.Renderers {
			if strings.EqualFold(r.Format(), format) {
				return Selection{Renderer: r, Params: map[string]string{}}, nil
			}
		}
	}

	if strings.TrimSpace(accept) == "" {
		accept = "*/*"
	}
	ranges := goautoneg.ParseAccept(accept)

	var (
		best      Selection
		bestQ     float64
		bestFound bool
	)
	for _, r := range n.Renderers {
		q, params, ok := matchRenderer(r.MediaType(), ranges)
		if !ok || q <= 0 {
			continue
		}
		if !bestFound || q > bestQ {
			best = Selection{Renderer: r, Params: params}
			bestQ = q
			bestFound = true
		}
	}
	if bestFound {
		return best, nil
	}
	if n.Strict {
		return Selection{}, apierror.NewNotAcceptable(n.MediaTypes())
	}
	return n.Fallback(), nil
}

// matchRenderer returns the quality of the most specific range covering
// mediaType. Among equally specific ranges the highest quality counts.
func matchRenderer(mediaType string, ranges []goautoneg.Accept) (float64, map[string]string, bool) {
	typ, sub, _ := strings.Cut(strings.ToLower(mediaType), "/")
	bestSpecificity := 0
	var (
		q      float64
		params map[string]string
	)
	for _, a := range ranges {
		at, as := strings.ToLower(a.Type), strings.ToLower(a.SubType)
		specificity := 0
		switch {
		case at == typ && as == sub:
			specificity = 3
		case at == typ && as == "*":
			specificity = 2
		case at == "*" && as == "*":
			specificity = 1
		default:
			continue
		}
		if specificity > bestSpecificity || (specificity == bestSpecificity && a.Q > q) {
			bestSpecificity = specificity
			q = a.Q
			params = a.Params
		}
	}
	if bestSpecificity == 0 {
		return 0, nil, false
	}
	if params == nil {
		params = map[string]string{}
	}
	return q, params, true
}

func withCallback(sel Selection, callback string) Selection {
	switch sel.Renderer.(type) {
	case JSONRenderer:
		if callback != "" && ValidCallback(callback) {
			sel.Renderer = JSONPRenderer{Callback: callback}
		}
	case JSONPRenderer:
		sel.Renderer = JSONPRenderer{Callback: callback}
	}
	return sel
}
