// Package dispatch runs a request through the resource pipeline:
// authentication, permission checks, throttling, content parsing, the verb
// handler and content negotiated rendering. Every failure is converted into
// a single rendered error response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"restpipe/internal/apierror"
	"restpipe/internal/auth"
	"restpipe/internal/content"
	"restpipe/internal/permission"
	"restpipe/internal/throttle"
)

// Options configures a Dispatcher. Zero values select the built-in parsers,
// a lenient negotiator, no authenticators (every caller is anonymous), no
// permission checks and no throttling.
type Options struct {
	Authenticators auth.Chain
	Permissions    []permission.Check
	Throttle       *throttle.Throttle
	Parsers        content.Parsers
	Negotiator     *content.Negotiator
	HandlerTimeout time.Duration
	MaxBodyBytes   int64
	// PathParams extracts router path variables, such as mux.Vars.
	PathParams func(*http.Request) map[string]string
	Logger     *slog.Logger
}

// Dispatcher runs resources. It is safe for concurrent use.
type Dispatcher struct {
	opts       Options
	parsers    content.Parsers
	negotiator *content.Negotiator
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create dispatch metrics: %w", err)
	}
	d := &Dispatcher{
		opts:       opts,
		parsers:    opts.Parsers,
		negotiator: opts.Negotiator,
		logger:     opts.Logger,
		tracer:     otel.Tracer("restpipe/dispatch"),
		metrics:    m,
	}
	if d.parsers == nil {
		d.parsers = content.DefaultParsers()
	}
	if d.negotiator == nil {
		d.negotiator = content.NewNegotiator(false)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Outcome is the terminal result of dispatching one request.
type Outcome struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string
	// Path lists the stages visited, ending with StageDone or StageError.
	Path []Stage
	// FailedAt is the stage that raised Err.
	FailedAt Stage
	Err      *apierror.Error
}

// run is the mutable state of one dispatch.
type run struct {
	ctx     context.Context
	req     *Request
	res     *Resource
	handler Handler
	resp    *Response
	out     *Outcome
	span    trace.Span
}

// Handler returns an http.Handler serving res.
func (d *Dispatcher) Handler(res *Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]string
		if d.opts.PathParams != nil {
			params = d.opts.PathParams(r)
		}
		out := d.Dispatch(r.Context(), NewRequest(r, params), res)
		writeOutcome(w, r, out)
	})
}

func writeOutcome(w http.ResponseWriter, r *http.Request, out *Outcome) {
	h := w.Header()
	for k, vs := range out.Header {
		h[k] = append([]string(nil), vs...)
	}
	if len(out.Body) > 0 && out.ContentType != "" {
		h.Set("Content-Type", out.ContentType)
	}
	w.WriteHeader(out.Status)
	if r.Method != http.MethodHead && len(out.Body) > 0 {
		_, _ = w.Write(out.Body)
	}
}

// Dispatch runs req through the pipeline for res and always returns exactly
// one outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, res *Resource) *Outcome {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch "+res.Name,
		trace.WithAttributes(
			attribute.String("dispatch.resource", res.Name),
			attribute.String("http.request.method", req.Method),
			attribute.String("dispatch.request_id", req.ID),
		))
	defer span.End()

	st := &run{
		ctx:  ctx,
		req:  req,
		res:  res,
		out:  &Outcome{Header: http.Header{}},
		span: span,
	}
	st.out.Header.Set(HeaderRequestID, req.ID)

	stage := StageStart
	for !stage.Terminal() {
		st.out.Path = append(st.out.Path, stage)
		span.AddEvent(stage.String())

		next, err := d.step(st, stage)
		if err != nil {
			st.out.FailedAt = stage
			d.fail(st, err)
			stage = StageError
			break
		}
		stage = next
	}
	st.out.Path = append(st.out.Path, stage)

	d.metrics.record(ctx, res.Name, req.Method, st.out, time.Since(start))
	return st.out
}

func (d *Dispatcher) step(st *run, stage Stage) (Stage, error) {
	switch stage {
	case StageStart:
		return StageAuthenticate, d.start(st)
	case StageAuthenticate:
		return StageCheckPermissions, d.authenticate(st)
	case StageCheckPermissions:
		return StageThrottle, d.checkPermissions(st)
	case StageThrottle:
		if err := d.throttle(st); err != nil {
			return StageError, err
		}
		if st.req.Method == http.MethodOptions {
			st.resp = d.describe(st.res)
			return StageRender, nil
		}
		return StageParseContent, nil
	case StageParseContent:
		return StageInvokeHandler, d.parse(st)
	case StageInvokeHandler:
		return StageRender, d.invoke(st)
	case StageRender:
		return StageDone, d.render(st)
	default:
		return StageError, apierror.NewInternal(fmt.Errorf("unexpected stage %s", stage))
	}
}

// start resolves the handler for the verb, negotiates the renderer and the
// requested version.
func (d *Dispatcher) start(st *run) error {
	req, res := st.req, st.res
	if req.Method != http.MethodOptions {
		h, ok := res.Handlers[req.Method]
		if !ok || h == nil {
			return apierror.NewMethodNotAllowed(req.Method, res.Allowed())
		}
		st.handler = h
	}

	sel, err := d.negotiate(req)
	if err != nil {
		return err
	}
	req.Selection = sel

	return d.resolveVersion(req, res)
}

func (d *Dispatcher) negotiate(req *Request) (content.Selection, error) {
	return d.negotiator.Select(
		req.Header.Get("Accept"),
		req.Query.Get(content.FormatParam),
		req.Query.Get(content.CallbackParam),
	)
}

func (d *Dispatcher) resolveVersion(req *Request, res *Resource) error {
	if res.Versions == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(res.Versions)
	if err != nil {
		return apierror.NewInternal(fmt.Errorf("resource %s version constraint: %w", res.Name, err))
	}
	raw := req.Selection.Params["version"]
	if raw == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil || !constraint.Check(v) {
		e := apierror.NewNotAcceptable(d.negotiator.MediaTypes())
		e.Message = `Invalid version in "Accept" header.`
		e.Detail["versions"] = res.Versions
		return e
	}
	req.Version = v
	return nil
}

func (d *Dispatcher) authenticate(st *run) error {
	chain := st.res.Authenticators
	if chain == nil {
		chain = d.opts.Authenticators
	}
	id, err := chain.Authenticate(st.ctx, st.req.HTTP)
	if err != nil {
		return err
	}
	st.req.Identity = id
	st.ctx = auth.NewContext(st.ctx, id)
	st.span.SetAttributes(
		attribute.Bool("auth.anonymous", id.IsAnonymous()),
		attribute.String("auth.method", id.Method),
	)
	return nil
}

// checkPermissions evaluates the resource checks. A resource that loads an
// object is checked before the lookup, with ObjectPending set, and again
// after it with the object.
func (d *Dispatcher) checkPermissions(st *run) error {
	req, res := st.req, st.res
	checks := res.Permissions
	if checks == nil {
		checks = d.opts.Permissions
	}
	target := permission.Target{Method: req.Method, Resource: res.Name}
	if res.Object == nil || req.Method == http.MethodOptions {
		return permission.Evaluate(st.ctx, checks, req.Identity, target)
	}

	target.ObjectPending = true
	if err := permission.Evaluate(st.ctx, checks, req.Identity, target); err != nil {
		return err
	}
	obj, err := res.Object(st.ctx, req)
	if err != nil {
		return err
	}
	req.Object = obj
	target.Object, target.ObjectPending = obj, false
	return permission.Evaluate(st.ctx, checks, req.Identity, target)
}

func (d *Dispatcher) throttle(st *run) error {
	if d.opts.Throttle == nil || st.res.NoThrottle {
		return nil
	}
	caller := throttle.Caller{Request: st.req.HTTP}
	if !st.req.Identity.IsAnonymous() {
		caller.UserID = st.req.Identity.ID
	}
	result, err := d.opts.Throttle.Check(st.ctx, caller, st.res.ThrottleScope)
	if err != nil {
		return err
	}
	for k, vs := range result.Header {
		st.out.Header[k] = vs
	}
	return nil
}

func (d *Dispatcher) parse(st *run) error {
	if err := d.readBody(st.req); err != nil {
		return err
	}
	parsers := st.res.Parsers
	if parsers == nil {
		parsers = d.parsers
	}
	value, err := parsers.Parse(st.req.ContentType, st.req.Body)
	if err != nil {
		return err
	}

	if st.res.Validate != nil {
		validated, fieldErrors := st.res.Validate(st.req.Method, value)
		if len(fieldErrors) > 0 {
			return apierror.NewMalformedContent("Invalid input.", fieldErrors)
		}
		value = validated
	}
	st.req.Content = value
	return nil
}

func (d *Dispatcher) readBody(req *Request) error {
	if req.Body != nil || req.HTTP == nil || req.HTTP.Body == nil {
		return nil
	}
	limit := d.opts.MaxBodyBytes
	var r io.Reader = req.HTTP.Body
	if limit > 0 {
		r = io.LimitReader(req.HTTP.Body, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return apierror.NewMalformedContent("Could not read request body.", nil)
	}
	if limit > 0 && int64(len(data)) > limit {
		return apierror.NewMalformedContent(fmt.Sprintf("Request body exceeds %d bytes.", limit), nil)
	}
	req.Body = data
	return nil
}

func (d *Dispatcher) invoke(st *run) (err error) {
	ctx := st.ctx
	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = apierror.NewInternal(fmt.Errorf("handler panic: %v", p))
		}
	}()

	resp, err := st.handler(ctx, st.req)
	if err != nil {
		var apiErr *apierror.Error
		switch {
		case errors.As(err, &apiErr):
			return apiErr
		case errors.Is(err, context.DeadlineExceeded):
			return apierror.NewTimeout(err)
		default:
			return apierror.NewInternal(err)
		}
	}
	if resp == nil {
		resp = NoContent()
	}
	st.resp = resp
	return nil
}

// describe synthesizes the OPTIONS response.
func (d *Dispatcher) describe(res *Resource) *Response {
	parsers := res.Parsers
	if parsers == nil {
		parsers = d.parsers
	}
	allowed := res.Allowed()
	body := map[string]any{
		"name":        res.Name,
		"description": res.Description,
		"allowed":     allowed,
		"renders":     d.negotiator.MediaTypes(),
		"parses":      parsers.MediaTypes(),
	}
	if res.Versions != "" {
		body["versions"] = res.Versions
	}
	resp := OK(body)
	resp.Header = http.Header{}
	resp.Header.Set(apierror.HeaderAllow, strings.Join(allowed, ", "))
	return resp
}

func (d *Dispatcher) render(st *run) error {
	resp := st.resp
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, vs := range resp.Header {
		st.out.Header[k] = vs
	}
	st.out.Header.Add("Vary", "Accept")

	if status == http.StatusNoContent || resp.Body == nil {
		st.out.Status = status
		return nil
	}

	body, ctype, err := st.req.Selection.Render(resp.Body)
	if err != nil {
		return apierror.NewInternal(fmt.Errorf("render %s: %w", st.req.Selection.Renderer.Format(), err))
	}
	st.out.Status = status
	st.out.Body = body
	st.out.ContentType = ctype
	return nil
}

// fail turns err into the error outcome. The error body goes through the
// renderer the client asked for. Errors raised before negotiation ran, such
// as a 405, negotiate here; a 406 or an unmatched Accept header gets the
// fallback renderer. JSON and finally plain text are last resorts.
func (d *Dispatcher) fail(st *run, err error) {
	var apiErr *apierror.Error
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = apierror.NewTimeout(err)
	default:
		apiErr = apierror.NewInternal(err)
	}
	st.out.Err = apiErr
	st.out.Status = apiErr.StatusCode

	for k, vs := range apiErr.Header {
		st.out.Header[k] = append([]string(nil), vs...)
	}
	st.out.Header.Add("Vary", "Accept")

	sel := st.req.Selection
	if sel.Renderer == nil && apiErr.Kind != apierror.KindNotAcceptable {
		sel, _ = d.negotiate(st.req)
	}
	if sel.Renderer == nil {
		sel = d.negotiator.Fallback()
	}
	body := apiErr.Body()
	data, ctype, rerr := sel.Render(body)
	if rerr != nil {
		data, ctype, rerr = content.JSONRenderer{}.Render(body, nil)
	}
	if rerr != nil {
		data, ctype = []byte(apiErr.Message), "text/plain; charset=utf-8"
	}
	st.out.Body = data
	st.out.ContentType = ctype

	st.span.SetStatus(codes.Error, apiErr.Message)
	st.span.SetAttributes(attribute.String("dispatch.error.kind", string(apiErr.Kind)))
	d.logFailure(st, apiErr)
}

func (d *Dispatcher) logFailure(st *run, apiErr *apierror.Error) {
	attrs := []any{
		"request_id", st.req.ID,
		"resource", st.res.Name,
		"method", st.req.Method,
		"stage", st.out.FailedAt.String(),
		"kind", string(apiErr.Kind),
		"status", apiErr.StatusCode,
	}
	if id := st.req.Identity; id != nil && !id.IsAnonymous() {
		attrs = append(attrs, "identity", id.ID)
	}
	if apiErr.StatusCode >= http.StatusInternalServerError {
		if apiErr.Err != nil {
			attrs = append(attrs, "error", apiErr.Err)
		}
		d.logger.ErrorContext(st.ctx, "Request failed", attrs...)
		return
	}
	d.logger.WarnContext(st.ctx, "Request rejected", append(attrs, "detail", apiErr.Message)...)
}
