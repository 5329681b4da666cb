package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"restpipe/internal/apierror"
	"restpipe/internal/auth"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
	"restpipe/internal/permission"
	"restpipe/internal/storage"
)

const keyIDParam = "id"

var validPermissions = []string{models.PermissionRead, models.PermissionWrite, models.PermissionAdmin}

// apiKeyResponse is the metadata-only view (no raw key, no hash).
type apiKeyResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Prefix      string    `json:"prefix"`
	Permissions []string  `json:"permissions"`
	Staff       bool      `json:"staff"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// createAPIKeyResponse includes the raw key, which is returned exactly once.
type createAPIKeyResponse struct {
	apiKeyResponse
	Key string `json:"key"`
}

func apiKeyToResponse(k *models.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		Permissions: k.Permissions,
		Staff:       k.Staff,
		Enabled:     k.Enabled,
		CreatedAt:   k.CreatedAt,
		UpdatedAt:   k.UpdatedAt,
	}
}

// keyInput is the validated body of a create or update request. Nil fields
// were absent.
type keyInput struct {
	Name        *string
	Permissions []string
	Staff       *bool
	Enabled     *bool
}

// keyAdmin serves the API key administration endpoints. Every change is
// written to the log as a security audit event.
type keyAdmin struct {
	store    storage.KeyStore
	basePath string
	// changed drops cached key lookups after an update or delete.
	changed func()
	logger  *slog.Logger
}

func (k *keyAdmin) checks() []permission.Check {
	return []permission.Check{permission.IsAuthenticated{}, permission.RequirePermission(models.PermissionAdmin)}
}

func (k *keyAdmin) collection() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "api-keys",
		Description: "API keys. Creating a key returns the raw key once.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet:  k.list,
			http.MethodPost: k.create,
		},
		Permissions:   k.checks(),
		Validate:      validateKey,
		ThrottleScope: "admin",
	}
}

func (k *keyAdmin) item() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "api-key",
		Description: "A single API key.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet:    k.get,
			http.MethodPatch:  k.update,
			http.MethodDelete: k.delete,
		},
		Permissions:   k.checks(),
		Validate:      validateKey,
		ThrottleScope: "admin",
	}
}

func (k *keyAdmin) list(ctx context.Context, _ *dispatch.Request) (*dispatch.Response, error) {
	keys, err := k.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	resp := make([]apiKeyResponse, len(keys))
	for i, key := range keys {
		resp[i] = apiKeyToResponse(key)
	}
	return dispatch.OK(resp), nil
}

func (k *keyAdmin) create(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	in := req.Content.(keyInput)

	rawKey, err := models.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	key := models.NewAPIKey(models.NewID(), *in.Name, rawKey, in.Permissions)
	if in.Staff != nil {
		key.Staff = *in.Staff
	}
	if in.Enabled != nil {
		key.Enabled = *in.Enabled
	}
	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apierror.NewApplicationError(http.StatusConflict, "An API key with this value already exists.", nil)
		}
		return nil, fmt.Errorf("create api key: %w", err)
	}

	k.audit(ctx, "api key created", "create", key, req.Identity)
	return dispatch.Created(createAPIKeyResponse{apiKeyResponse: apiKeyToResponse(key), Key: rawKey},
		k.basePath+"/"+key.ID), nil
}

// find scans the key list; the store only indexes keys by hash.
func (k *keyAdmin) find(ctx context.Context, id string) (*models.APIKey, error) {
	keys, err := k.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	for _, key := range keys {
		if key.ID == id {
			return key, nil
		}
	}
	return nil, apierror.NewApplicationError(http.StatusNotFound, "Not found.", nil)
}

func (k *keyAdmin) get(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	key, err := k.find(ctx, req.Params[keyIDParam])
	if err != nil {
		return nil, err
	}
	return dispatch.OK(apiKeyToResponse(key)), nil
}

func (k *keyAdmin) update(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	key, err := k.find(ctx, req.Params[keyIDParam])
	if err != nil {
		return nil, err
	}
	in := req.Content.(keyInput)
	if in.Name != nil {
		key.Name = *in.Name
	}
	if in.Permissions != nil {
		key.Permissions = in.Permissions
	}
	if in.Staff != nil {
		key.Staff = *in.Staff
	}
	if in.Enabled != nil {
		key.Enabled = *in.Enabled
	}
	key.UpdatedAt = time.Now().UTC()

	if err := k.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("update api key: %w", err)
	}
	k.invalidate()
	k.audit(ctx, "api key updated", "update", key, req.Identity)
	return dispatch.OK(apiKeyToResponse(key)), nil
}

func (k *keyAdmin) delete(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	id := req.Params[keyIDParam]
	if err := k.store.DeleteAPIKey(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewApplicationError(http.StatusNotFound, "Not found.", nil)
		}
		return nil, fmt.Errorf("delete api key: %w", err)
	}
	k.invalidate()
	k.audit(ctx, "api key deleted", "delete", &models.APIKey{ID: id}, req.Identity)
	return dispatch.NoContent(), nil
}

func (k *keyAdmin) invalidate() {
	if k.changed != nil {
		k.changed()
	}
}

func (k *keyAdmin) audit(ctx context.Context, msg, action string, key *models.APIKey, actor *auth.Identity) {
	k.logger.InfoContext(ctx, msg,
		"event", "security_audit",
		"action", action,
		"key_id", key.ID,
		"key_name", key.Name,
		"actor_id", actor.ID,
		"actor_method", actor.Method,
	)
}

// validateKey checks create (POST) and partial update (PATCH) bodies.
func validateKey(method string, value any) (any, map[string]string) {
	if method != http.MethodPost && method != http.MethodPatch {
		return value, nil
	}
	var data map[string]any
	switch v := value.(type) {
	case nil:
		data = map[string]any{}
	case map[string]any:
		data = v
	default:
		return nil, map[string]string{"non_field_errors": "Expected an object."}
	}

	creating := method == http.MethodPost
	var in keyInput
	errs := map[string]string{}

	if raw, ok := data["name"]; ok {
		name, isString := raw.(string)
		switch {
		case !isString:
			errs["name"] = "Must be a string."
		case strings.TrimSpace(name) == "":
			errs["name"] = "This field may not be blank."
		default:
			name = strings.TrimSpace(name)
			in.Name = &name
		}
	} else if creating {
		errs["name"] = "This field is required."
	}

	if raw, ok := data["permissions"]; ok {
		perms, msg := permissionList(raw)
		if msg != "" {
			errs["permissions"] = msg
		} else {
			in.Permissions = perms
		}
	} else if creating {
		errs["permissions"] = "This field is required."
	}

	for field, dst := range map[string]**bool{"staff": &in.Staff, "enabled": &in.Enabled} {
		raw, ok := data[field]
		if !ok {
			continue
		}
		b, ok := boolValue(raw)
		if !ok {
			errs[field] = "Must be a valid boolean."
			continue
		}
		*dst = &b
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return in, nil
}

func permissionList(raw any) ([]string, string) {
	var items []any
	switch v := raw.(type) {
	case string:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil, "Expected a list of strings."
	}
	if len(items) == 0 {
		return nil, "At least one permission is required."
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		p, ok := item.(string)
		if !ok {
			return nil, "Expected a list of strings."
		}
		p = strings.ToLower(strings.TrimSpace(p))
		if !slices.Contains(validPermissions, p) {
			return nil, fmt.Sprintf("%q is not a valid permission.", p)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, ""
}

// boolValue accepts JSON booleans and the strings form and XML bodies
// produce.
func boolValue(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
	}
	return false, false
}
