package api

import (
	"context"
	"net/http"
	"time"

	"restpipe/internal/auth"
	"restpipe/internal/dispatch"
	"restpipe/internal/permission"
	"restpipe/internal/version"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Pinger is the part of the storage backend the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

type component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version"`
	InstanceID string               `json:"instance_id,omitempty"`
	Components map[string]component `json:"components"`
}

// healthResource reports storage reachability. It skips authentication and
// throttling so probes never need credentials and are never rate limited.
func healthResource(store Pinger, ver version.Info) *dispatch.Resource {
	check := func(ctx context.Context, _ *dispatch.Request) (*dispatch.Response, error) {
		resp := healthResponse{
			Status:     StatusHealthy,
			Timestamp:  time.Now().UTC(),
			Version:    ver.Version,
			InstanceID: ver.InstanceID,
			Components: map[string]component{
				"api": {Status: StatusHealthy},
			},
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			resp.Status = StatusUnhealthy
			resp.Components["storage"] = component{Status: StatusUnhealthy, Message: err.Error()}
			return &dispatch.Response{Status: http.StatusServiceUnavailable, Body: resp}, nil
		}
		resp.Components["storage"] = component{Status: StatusHealthy}
		return dispatch.OK(resp), nil
	}

	return &dispatch.Resource{
		Name:        "health",
		Description: "Service and storage health.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet:  check,
			http.MethodHead: check,
		},
		Authenticators: auth.Chain{},
		Permissions:    []permission.Check{},
		NoThrottle:     true,
	}
}
