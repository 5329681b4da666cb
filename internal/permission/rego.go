package permission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"restpipe/internal/auth"
	"restpipe/internal/content"
)

// Rego delegates the decision to an OPA policy. The query must evaluate to
// either a boolean or an object {"allow": bool, "reason": string}. An
// undefined result denies.
//
// The policy input is:
//
//	{
//	  "identity": {"id", "name", "method", "permissions", "staff", "anonymous"},
//	  "method":   "GET",
//	  "resource": "notes",
//	  "object":   {...}   // only when the resource loaded one
//	}
//
// Policies see the object when the resource has one, so a Rego check allows
// the pass that runs before the object is loaded and decides on the next.
type Rego struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewRego compiles modules (name -> source) and prepares query for
// evaluation. Modules use Rego v1 syntax.
func NewRego(ctx context.Context, query string, modules map[string]string) (*Rego, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("rego query cannot be empty")
	}
	if len(modules) == 0 {
		return nil, errors.New("rego check requires at least one module")
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]func(*rego.Rego), 0, len(names)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego policy: %w", err)
	}
	return &Rego{query: query, prepared: prepared}, nil
}

// LoadRego reads the policy at path, a .rego file or a directory of them.
func LoadRego(ctx context.Context, path, query string) (*Rego, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy path: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("list policy files: %w", err)
		}
	}

	modules := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", f, err)
		}
		modules[filepath.Base(f)] = string(data)
	}
	return NewRego(ctx, query, modules)
}

func (r *Rego) Allow(ctx context.Context, id *auth.Identity, t Target) (Decision, error) {
	if t.ObjectPending {
		return Allow(), nil
	}
	input := map[string]any{
		"identity": identityInput(id),
		"method":   t.Method,
		"resource": t.Resource,
	}
	if t.Object != nil {
		obj, err := content.Generic(t.Object)
		if err != nil {
			return Decision{}, fmt.Errorf("convert policy object: %w", err)
		}
		input["object"] = obj
	}

	rs, err := r.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate %s: %w", r.query, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Deny(""), nil
	}

	switch v := rs[0].Expressions[0].Value.(type) {
	case bool:
		if v {
			return Allow(), nil
		}
		return Deny(""), nil
	case map[string]any:
		allowed, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return Decision{Allowed: allowed, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("evaluate %s: unexpected result type %T", r.query, v)
	}
}

func identityInput(id *auth.Identity) map[string]any {
	if id.IsAnonymous() {
		return map[string]any{"anonymous": true, "permissions": []any{}, "staff": false}
	}
	perms := make([]any, len(id.Permissions))
	for i, p := range id.Permissions {
		perms[i] = p
	}
	return map[string]any{
		"id":          id.ID,
		"name":        id.Name,
		"method":      id.Method,
		"permissions": perms,
		"staff":       id.Staff,
		"anonymous":   false,
	}
}
