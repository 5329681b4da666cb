// Package apierror defines the structured error taxonomy produced by the
// request pipeline. Every pipeline stage either succeeds or returns an *Error;
// the dispatcher is the single place that turns an *Error into a rendered
// response.
package apierror

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the class of a pipeline error. The value doubles as the
// machine-readable "code" field of error bodies.
type Kind string

const (
	KindAuthenticationFailed Kind = "authentication_failed" // 401: malformed or invalid credentials
	KindPermissionDenied     Kind = "permission_denied"     // 403: a permission check refused the request
	KindThrottled            Kind = "throttled"             // 429 (or 403): request rate exceeded
	KindUnsupportedMediaType Kind = "unsupported_media_type" // 415: no parser for the Content-Type
	KindMalformedContent     Kind = "malformed_content"     // 400: body could not be parsed or validated
	KindMethodNotAllowed     Kind = "method_not_allowed"    // 405: resource has no handler for the verb
	KindNotAcceptable        Kind = "not_acceptable"        // 406: no renderer matches under strict negotiation
	KindApplication          Kind = "application_error"     // handler-defined status and body
	KindInternal             Kind = "internal_error"        // 500: unexpected failure
	KindTimeout              Kind = "timeout"               // 504: handler exceeded its deadline
)

// Header names emitted alongside errors.
const (
	HeaderAllow           = "Allow"
	HeaderRetryAfter      = "Retry-After"
	HeaderThrottle        = "X-Throttle"
	HeaderWWWAuthenticate = "WWW-Authenticate"
)

// Error is a terminal pipeline outcome: a status code, a structured body and
// optional extra response headers.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Detail     map[string]any
	Header     http.Header
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Body returns the structured body rendered for the client. It always holds
// "detail" and "code"; kind-specific fields are merged in from Detail.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Detail)+2)
	for k, v := range e.Detail {
		body[k] = v
	}
	body["detail"] = e.Message
	body["code"] = string(e.Kind)
	return body
}

// WithHeader sets an extra response header and returns the error for chaining.
func (e *Error) WithHeader(key, value string) *Error {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(key, value)
	return e
}

func newError(kind Kind, status int, message string) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    message,
		Detail:     map[string]any{},
	}
}

// NewAuthenticationFailed reports malformed or invalid credentials. It is
// distinct from "no credentials supplied", which is not an error.
func NewAuthenticationFailed(reason string) *Error {
	if reason == "" {
		reason = "Incorrect authentication credentials."
	}
	return newError(KindAuthenticationFailed, http.StatusUnauthorized, reason)
}

// NewPermissionDenied carries the reason of the first failing permission check.
func NewPermissionDenied(reason string) *Error {
	if reason == "" {
		reason = "You do not have permission to perform this action."
	}
	return newError(KindPermissionDenied, http.StatusForbidden, reason)
}

// NewThrottled reports a throttling denial. The wait time is rounded up to
// whole seconds and exposed in the body and in the Retry-After and X-Throttle
// headers. A status of zero selects 429.
func NewThrottled(retryAfter time.Duration, status int) *Error {
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	secs := RetryAfterSeconds(retryAfter)
	e := newError(KindThrottled, status,
		fmt.Sprintf("Request was throttled. Expected available in %d second%s.", secs, plural(secs)))
	e.Detail["retry_after"] = secs
	e.WithHeader(HeaderRetryAfter, strconv.Itoa(secs))
	e.WithHeader(HeaderThrottle, ThrottleHeader(false, secs))
	return e
}

// NewUnsupportedMediaType reports a Content-Type with no registered parser.
func NewUnsupportedMediaType(contentType string, supported []string) *Error {
	msg := fmt.Sprintf("Unsupported media type %q in request.", contentType)
	if contentType == "" {
		msg = "Request body supplied without a Content-Type."
	}
	e := newError(KindUnsupportedMediaType, http.StatusUnsupportedMediaType, msg)
	e.Detail["supported"] = append([]string(nil), supported...)
	return e
}

// NewMalformedContent reports a body that failed to parse or validate.
// fieldErrors may be nil.
func NewMalformedContent(diagnostic string, fieldErrors map[string]string) *Error {
	e := newError(KindMalformedContent, http.StatusBadRequest, diagnostic)
	if len(fieldErrors) > 0 {
		fe := make(map[string]any, len(fieldErrors))
		for k, v := range fieldErrors {
			fe[k] = v
		}
		e.Detail["field_errors"] = fe
	}
	return e
}

// NewMethodNotAllowed lists the verbs the resource actually supports, both in
// the body and in the Allow header.
func NewMethodNotAllowed(method string, allowed []string) *Error {
	e := newError(KindMethodNotAllowed, http.StatusMethodNotAllowed,
		fmt.Sprintf("Method %q not allowed.", method))
	e.Detail["allowed"] = append([]string(nil), allowed...)
	e.WithHeader(HeaderAllow, strings.Join(allowed, ", "))
	return e
}

// NewNotAcceptable reports that no renderer satisfies the Accept header.
func NewNotAcceptable(available []string) *Error {
	e := newError(KindNotAcceptable, http.StatusNotAcceptable,
		"Could not satisfy the request Accept header.")
	e.Detail["available"] = append([]string(nil), available...)
	return e
}

// NewApplicationError is raised by handler business logic. Status and body
// pass through to the client unchanged apart from the standard fields.
func NewApplicationError(status int, message string, detail map[string]any) *Error {
	if status == 0 {
		status = http.StatusBadRequest
	}
	e := newError(KindApplication, status, message)
	for k, v := range detail {
		e.Detail[k] = v
	}
	return e
}

// NewInternal wraps an unexpected failure. The cause is logged, never rendered.
func NewInternal(err error) *Error {
	e := newError(KindInternal, http.StatusInternalServerError, "Internal server error.")
	e.Err = err
	return e
}

// NewTimeout reports a handler that ran past its deadline.
func NewTimeout(err error) *Error {
	e := newError(KindTimeout, http.StatusGatewayTimeout, "Request timed out.")
	e.Err = err
	return e
}

// RetryAfterSeconds rounds a wait time up to whole seconds; any positive
// duration yields at least 1.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// ThrottleHeader formats the X-Throttle header value.
func ThrottleHeader(allowed bool, nextSeconds int) string {
	status := "SUCCESS"
	if !allowed {
		status = "FAILURE"
	}
	return fmt.Sprintf("status=%s; next=%d sec", status, nextSeconds)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
