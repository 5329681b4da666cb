// Package api mounts dispatcher resources on a gorilla/mux router and wraps
// them with the host middleware: access logging, panic recovery, CORS and
// OpenTelemetry instrumentation.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"restpipe/internal/auth"
	"restpipe/internal/content"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
	"restpipe/internal/notes"
	"restpipe/internal/permission"
	"restpipe/internal/storage"
	"restpipe/internal/throttle"
	"restpipe/internal/version"
)

// Route prefixes.
const (
	APIPrefix = "/api/v1"
	NotesPath = APIPrefix + "/notes"
	KeysPath  = APIPrefix + "/admin/keys"
	AuthPath  = APIPrefix + "/auth"
)

// Options collects the collaborators the router mounts.
type Options struct {
	Config         *models.Config
	Store          storage.Storage
	Authenticators auth.Chain
	Throttle       *throttle.Throttle
	// Policy, when set, runs after the configured default permission on every
	// resource that does not declare its own checks.
	Policy  permission.Check
	Version version.Info
	Logger  *slog.Logger
}

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
// Health probes are not traced.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != APIPrefix+"/health"
			}),
		))
	}
}

// baseChecks is the configured default permission followed by the policy.
func baseChecks(o Options) ([]permission.Check, error) {
	defaultCheck, err := permission.Named(o.Config.Security.DefaultPermission)
	if err != nil {
		return nil, err
	}
	checks := []permission.Check{defaultCheck}
	if o.Policy != nil {
		checks = append(checks, o.Policy)
	}
	return checks, nil
}

// NewDispatcher builds the dispatcher shared by every mounted resource.
func NewDispatcher(o Options) (*dispatch.Dispatcher, error) {
	cfg := o.Config
	checks, err := baseChecks(o)
	if err != nil {
		return nil, err
	}

	negotiator := content.NewNegotiator(cfg.Negotiation.Strict)
	r, ok := negotiator.ByFormat(cfg.Negotiation.DefaultFormat)
	if !ok {
		return nil, fmt.Errorf("unknown default format: %s", cfg.Negotiation.DefaultFormat)
	}
	negotiator.Default = r

	return dispatch.New(dispatch.Options{
		Authenticators: o.Authenticators,
		Permissions:    checks,
		Throttle:       o.Throttle,
		Negotiator:     negotiator,
		HandlerTimeout: cfg.Server.HandlerTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		PathParams:     mux.Vars,
		Logger:         o.Logger,
	})
}

// NewHandler builds the full HTTP handler: routes plus middleware.
func NewHandler(o Options, opts ...RouteOption) (http.Handler, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	d, err := NewDispatcher(o)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	router := mux.NewRouter()
	for _, opt := range opts {
		opt(router)
	}
	if o.Config.Server.CORS.Enabled {
		router.Use(corsMiddleware(o.Config.Server.CORS))
	}

	health := d.Handler(healthResource(o.Store, o.Version))
	router.Handle("/health", health)
	router.Handle(APIPrefix+"/health", health)

	checks, err := baseChecks(o)
	if err != nil {
		return nil, err
	}
	noteService := notes.NewService(o.Store, NotesPath, checks)
	router.Handle(NotesPath, d.Handler(noteService.Collection()))
	router.Handle(NotesPath+"/{"+notes.IDParam+"}", d.Handler(noteService.Item()))

	keys := &keyAdmin{store: o.Store, basePath: KeysPath, logger: o.Logger}
	if a, ok := o.Authenticators.APIKeys(); ok {
		keys.changed = a.Forget
	}
	router.Handle(KeysPath, d.Handler(keys.collection()))
	router.Handle(KeysPath+"/{"+keyIDParam+"}", d.Handler(keys.item()))

	router.Handle(AuthPath+"/me", d.Handler(whoami()))
	if sa, ok := o.Authenticators.Session(); ok {
		s := &sessions{users: o.Store, sessions: sa, logger: o.Logger}
		router.Handle(AuthPath+"/login", d.Handler(s.login()))
		router.Handle(AuthPath+"/logout", d.Handler(s.logout()))
	}

	router.NotFoundHandler = http.HandlerFunc(notFound)

	var h http.Handler = router
	h = accessLog(o.Logger)(h)
	h = recoveryMiddleware(o.Logger)(h)
	return h, nil
}
