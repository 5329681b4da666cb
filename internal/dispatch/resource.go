package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"restpipe/internal/auth"
	"restpipe/internal/content"
	"restpipe/internal/permission"
)

// HeaderRequestID is echoed on every response. A client supplied value is
// kept; otherwise one is generated.
const HeaderRequestID = "X-Request-ID"

// verbOrder fixes the order verbs are listed in Allow headers.
var verbOrder = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// Request is the per-request state threaded through the pipeline. Each stage
// fills in its part: Identity after authentication, Object after permission
// checks, Content after parsing.
type Request struct {
	HTTP        *http.Request
	ID          string
	Method      string
	Header      http.Header
	Query       url.Values
	Params      map[string]string
	ContentType string
	// Body is read from HTTP during content parsing when nil.
	Body []byte

	Identity *auth.Identity
	Object   any
	Content  any
	// Version is the API version requested through the Accept header's
	// version parameter, when the resource is versioned.
	Version   *semver.Version
	Selection content.Selection
}

// NewRequest wraps r. params holds path variables from the router.
func NewRequest(r *http.Request, params map[string]string) *Request {
	if params == nil {
		params = map[string]string{}
	}
	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	return &Request{
		HTTP:        r,
		ID:          id,
		Method:      r.Method,
		Header:      r.Header,
		Query:       r.URL.Query(),
		Params:      params,
		ContentType: r.Header.Get("Content-Type"),
	}
}

// Response is what a handler returns. A nil Body produces an empty response
// body.
type Response struct {
	Status int
	Body   any
	Header http.Header
}

// OK returns a 200 response.
func OK(body any) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}

// Created returns a 201 response with a Location header when location is set.
func Created(body any, location string) *Response {
	resp := &Response{Status: http.StatusCreated, Body: body}
	if location != "" {
		resp.Header = http.Header{"Location": []string{location}}
	}
	return resp
}

// NoContent returns a 204 response.
func NoContent() *Response {
	return &Response{Status: http.StatusNoContent}
}

// Handler is the business logic for one verb of a resource.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Validator checks parsed content for a verb. It returns the value handed to
// the handler, or field errors which end the request with 400.
type Validator func(method string, content any) (any, map[string]string)

// ObjectLoader fetches the instance a request addresses, for object level
// permission checks. It returns nil for collection requests.
type ObjectLoader func(ctx context.Context, req *Request) (any, error)

// Resource is a set of verb handlers plus the policies that guard them.
type Resource struct {
	Name        string
	Description string
	Handlers    map[string]Handler

	// Authenticators and Permissions override the dispatcher defaults when
	// non-nil. An empty, non-nil Permissions list allows everything.
	Authenticators auth.Chain
	Permissions    []permission.Check
	// Parsers overrides the dispatcher's parsers when non-nil.
	Parsers content.Parsers

	Validate Validator
	Object   ObjectLoader

	// Versions is a semver constraint, such as ">= 1.0, < 2.0", the Accept
	// version parameter must satisfy.
	Versions string

	// ThrottleScope separates this resource's rate limit state from others.
	ThrottleScope string
	// NoThrottle exempts the resource from throttling.
	NoThrottle bool
}

// Allowed lists the verbs with a handler in a fixed order, always ending with
// OPTIONS.
func (r *Resource) Allowed() []string {
	out := make([]string, 0, len(r.Handlers)+1)
	for _, m := range verbOrder {
		if r.Handlers[m] != nil {
			out = append(out, m)
		}
	}
	var extra []string
	for m, h := range r.Handlers {
		if h != nil && m != http.MethodOptions && !slices.Contains(verbOrder, m) {
			extra = append(extra, m)
		}
	}
	slices.Sort(extra)
	out = append(out, extra...)
	return append(out, http.MethodOptions)
}
