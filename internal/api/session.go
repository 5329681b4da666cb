package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"restpipe/internal/apierror"
	"restpipe/internal/auth"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
	"restpipe/internal/permission"
	"restpipe/internal/storage"
)

type identityResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Method      string   `json:"method"`
	Permissions []string `json:"permissions"`
	Staff       bool     `json:"staff"`
}

func identityToResponse(id *auth.Identity) identityResponse {
	perms := id.Permissions
	if perms == nil {
		perms = []string{}
	}
	return identityResponse{
		ID:          id.ID,
		Name:        id.Name,
		Method:      id.Method,
		Permissions: perms,
		Staff:       id.Staff,
	}
}

type loginResponse struct {
	User      identityResponse `json:"user"`
	CSRFToken string           `json:"csrf_token"`
}

type credentials struct {
	Username string
	Password string
}

// sessions serves login and logout for the session cookie authenticator.
type sessions struct {
	users    storage.UserStore
	sessions *auth.SessionAuthenticator
	logger   *slog.Logger
}

func badCredentials() error {
	return apierror.NewApplicationError(http.StatusBadRequest, "Unable to log in with provided credentials.", nil)
}

// login trades a username and password for a session cookie. It runs
// without authenticators so a stale cookie never blocks signing in again.
func (s *sessions) login() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "login",
		Description: "Exchange a username and password for a session cookie.",
		Handlers: map[string]dispatch.Handler{
			http.MethodPost: func(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
				in := req.Content.(credentials)
				u, err := s.users.GetUserByUsername(ctx, in.Username)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return nil, badCredentials()
					}
					return nil, fmt.Errorf("look up user: %w", err)
				}
				if !u.Enabled || !u.CheckPassword(in.Password) {
					s.logger.WarnContext(ctx, "Login failed", "event", "security_audit", "username", in.Username)
					return nil, badCredentials()
				}

				cookie, csrf := s.sessions.Issue(u.ID)
				s.logger.InfoContext(ctx, "Session issued", "event", "security_audit", "user_id", u.ID)

				resp := dispatch.OK(loginResponse{
					User:      identityToResponse(userIdentity(u)),
					CSRFToken: csrf,
				})
				resp.Header = http.Header{"Set-Cookie": []string{cookie.String()}}
				return resp, nil
			},
		},
		Authenticators: auth.Chain{},
		Permissions:    []permission.Check{},
		Validate:       validateCredentials,
		ThrottleScope:  "login",
	}
}

func (s *sessions) logout() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "logout",
		Description: "End the current session.",
		Handlers: map[string]dispatch.Handler{
			http.MethodPost: func(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
				s.logger.InfoContext(ctx, "Session ended", "event", "security_audit", "user_id", req.Identity.ID)
				resp := dispatch.NoContent()
				resp.Header = http.Header{"Set-Cookie": []string{s.sessions.Clear().String()}}
				return resp, nil
			},
		},
		Permissions: []permission.Check{permission.IsAuthenticated{}},
	}
}

// whoami echoes the identity the authenticators resolved.
func whoami() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "whoami",
		Description: "The identity behind the request's credentials.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet: func(_ context.Context, req *dispatch.Request) (*dispatch.Response, error) {
				return dispatch.OK(identityToResponse(req.Identity)), nil
			},
		},
		Permissions: []permission.Check{permission.IsAuthenticated{}},
	}
}

func userIdentity(u *models.User) *auth.Identity {
	return &auth.Identity{
		ID:          u.ID,
		Name:        u.Username,
		Method:      auth.MethodSession,
		Permissions: u.Permissions,
		Staff:       u.Staff,
	}
}

func validateCredentials(method string, value any) (any, map[string]string) {
	if method != http.MethodPost {
		return value, nil
	}
	data, ok := value.(map[string]any)
	if !ok {
		return nil, map[string]string{"non_field_errors": "Expected an object."}
	}
	var in credentials
	errs := map[string]string{}
	for field, dst := range map[string]*string{"username": &in.Username, "password": &in.Password} {
		v, ok := data[field].(string)
		if !ok || v == "" {
			errs[field] = "This field is required."
			continue
		}
		*dst = v
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return in, nil
}
