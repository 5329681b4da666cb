package notes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"restpipe/internal/auth"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
	"restpipe/internal/permission"
	"restpipe/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// userHeader authenticates X-User; X-Staff marks the identity as staff.
type userHeader struct{}

func (userHeader) Authenticate(_ context.Context, r *http.Request) (*auth.Identity, error) {
	u := r.Header.Get("X-User")
	if u == "" {
		return nil, nil
	}
	return &auth.Identity{ID: u, Name: u, Method: "header", Staff: r.Header.Get("X-Staff") == "1"}, nil
}

type fixture struct {
	t     *testing.T
	store *storage.MemoryStorage
	svc   *Service
	disp  *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	svc := NewService(store, "/api/v1/notes/", []permission.Check{permission.IsAuthenticatedOrReadOnly{}})
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	d, err := dispatch.New(dispatch.Options{Authenticators: auth.Chain{userHeader{}}})
	require.NoError(t, err)
	return &fixture{t: t, store: store, svc: svc, disp: d}
}

type call struct {
	method string
	target string
	user   string
	staff  bool
	ctype  string
	body   string
	accept string
	id     string
}

func (f *fixture) do(c call) *dispatch.Outcome {
	f.t.Helper()
	var r *http.Request
	if c.body != "" {
		r = httptest.NewRequest(c.method, c.target, strings.NewReader(c.body))
	} else {
		r = httptest.NewRequest(c.method, c.target, nil)
	}
	if c.user != "" {
		r.Header.Set("X-User", c.user)
	}
	if c.staff {
		r.Header.Set("X-Staff", "1")
	}
	if c.ctype != "" {
		r.Header.Set("Content-Type", c.ctype)
	} else if c.body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.accept != "" {
		r.Header.Set("Accept", c.accept)
	}

	res := f.svc.Collection()
	var params map[string]string
	if c.id != "" {
		res = f.svc.Item()
		params = map[string]string{IDParam: c.id}
	}
	return f.disp.Dispatch(r.Context(), dispatch.NewRequest(r, params), res)
}

func (f *fixture) create(user, body string) map[string]any {
	f.t.Helper()
	out := f.do(call{method: http.MethodPost, target: "/api/v1/notes", user: user, body: body})
	require.Equal(f.t, http.StatusCreated, out.Status, string(out.Body))
	return decode(f.t, out.Body)
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m), string(body))
	return m
}

func TestCreateNote(t *testing.T) {
	f := newFixture(t)

	out := f.do(call{
		method: http.MethodPost, target: "/api/v1/notes", user: "alice",
		body: `{"title":"  Groceries ","body":"milk","tags":["Home","home"," errands "]}`,
	})
	require.Equal(t, http.StatusCreated, out.Status, string(out.Body))

	note := decode(t, out.Body)
	id := note["id"].(string)
	assert.Equal(t, "/api/v1/notes/"+id, out.Header.Get("Location"))
	assert.Equal(t, "alice", note["owner_id"])
	assert.Equal(t, "Groceries", note["title"])
	assert.Equal(t, "milk", note["body"])
	assert.Equal(t, []any{"home", "errands"}, note["tags"])

	stored, err := f.store.GetNote(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)
}

func TestCreateNote_FormBody(t *testing.T) {
	f := newFixture(t)

	out := f.do(call{
		method: http.MethodPost, target: "/api/v1/notes", user: "alice",
		ctype: "application/x-www-form-urlencoded", body: "title=Todo&tags=work&tags=urgent",
	})
	require.Equal(t, http.StatusCreated, out.Status, string(out.Body))
	assert.Equal(t, []any{"work", "urgent"}, decode(t, out.Body)["tags"])
}

func TestCreateNote_RequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	out := f.do(call{method: http.MethodPost, target: "/api/v1/notes", body: `{"title":"x"}`})
	assert.Equal(t, http.StatusForbidden, out.Status)
	assert.Equal(t, dispatch.StageCheckPermissions, out.FailedAt)
}

func TestCreateNote_AnonymousUnderAllowAll(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := NewService(store, "/api/v1/notes/", []permission.Check{permission.AllowAll{}})
	d, err := dispatch.New(dispatch.Options{Authenticators: auth.Chain{userHeader{}}})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/notes", strings.NewReader(`{"title":"orphan"}`))
	r.Header.Set("Content-Type", "application/json")
	out := d.Dispatch(r.Context(), dispatch.NewRequest(r, nil), svc.Collection())

	assert.Equal(t, http.StatusForbidden, out.Status)
	assert.Equal(t, dispatch.StageInvokeHandler, out.FailedAt)
	assert.Equal(t, "permission_denied", decode(t, out.Body)["code"])

	notes, err := store.ListNotes(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestUpdateNote_AnonymousMissingNote(t *testing.T) {
	f := newFixture(t)

	out := f.do(call{method: http.MethodPut, target: "/api/v1/notes/missing", id: "missing", body: `{"title":"x"}`})
	assert.Equal(t, http.StatusForbidden, out.Status)
	assert.Equal(t, dispatch.StageCheckPermissions, out.FailedAt)

	out = f.do(call{method: http.MethodPut, target: "/api/v1/notes/missing", id: "missing", user: "alice", body: `{"title":"x"}`})
	assert.Equal(t, http.StatusNotFound, out.Status)
}

func TestCreateNote_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		fields map[string]any
	}{
		{"missing title", `{"body":"x"}`, map[string]any{"title": "This field is required."}},
		{"empty body", "", map[string]any{"title": "This field is required."}},
		{"blank title", `{"title":"   "}`, map[string]any{"title": "This field may not be blank."}},
		{"title not a string", `{"title":7}`, map[string]any{"title": "Must be a string."}},
		{"title too long", `{"title":"` + strings.Repeat("a", MaxTitleLength+1) + `"}`,
			map[string]any{"title": "Ensure this field has no more than 200 characters."}},
		{"bad tags", `{"title":"x","tags":[1]}`, map[string]any{"tags": "Expected a list of strings."}},
		{"blank tag", `{"title":"x","tags":[""]}`, map[string]any{"tags": "Tags may not be blank."}},
		{"several fields", `{"title":false,"body":[]}`,
			map[string]any{"title": "Must be a string.", "body": "Must be a string."}},
		{"not an object", `["title"]`, map[string]any{"non_field_errors": "Expected an object."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.do(call{method: http.MethodPost, target: "/api/v1/notes", user: "alice", body: tt.body})
			require.Equal(t, http.StatusBadRequest, out.Status)
			body := decode(t, out.Body)
			assert.Equal(t, "Invalid input.", body["detail"])
			assert.Equal(t, tt.fields, body["field_errors"])
		})
	}

	notes, err := f.store.ListNotes(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestListNotes(t *testing.T) {
	f := newFixture(t)
	f.create("alice", `{"title":"one"}`)
	f.create("bob", `{"title":"two"}`)
	f.create("alice", `{"title":"three"}`)

	out := f.do(call{method: http.MethodGet, target: "/api/v1/notes"})
	require.Equal(t, http.StatusOK, out.Status)
	body := decode(t, out.Body)
	assert.Equal(t, float64(3), body["count"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes?owner=me", user: "alice"})
	body = decode(t, out.Body)
	require.Equal(t, float64(2), body["count"])
	results := body["results"].([]any)
	assert.Equal(t, "one", results[0].(map[string]any)["title"])
	assert.Equal(t, "three", results[1].(map[string]any)["title"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes?owner=bob"})
	assert.Equal(t, float64(1), decode(t, out.Body)["count"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes?owner=me"})
	assert.Equal(t, map[string]any{"count": float64(0), "results": []any{}}, decode(t, out.Body))
}

func TestListNotes_Versions(t *testing.T) {
	f := newFixture(t)
	f.create("alice", `{"title":"one"}`)

	out := f.do(call{method: http.MethodGet, target: "/api/v1/notes", accept: "application/json; version=1.0"})
	require.Equal(t, http.StatusOK, out.Status)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(out.Body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "one", list[0]["title"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes", accept: "application/json; version=1.4"})
	assert.Equal(t, float64(1), decode(t, out.Body)["count"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes", accept: "application/json; version=2.0"})
	assert.Equal(t, http.StatusNotAcceptable, out.Status)
}

func TestListNotes_StorageError(t *testing.T) {
	f := newFixture(t)
	f.svc.store = failingNotes{NoteStore: f.store}

	out := f.do(call{method: http.MethodGet, target: "/api/v1/notes"})
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.NotContains(t, string(out.Body), "disk on fire")
}

type failingNotes struct{ storage.NoteStore }

func (failingNotes) ListNotes(context.Context, string) ([]*models.Note, error) {
	return nil, errors.New("disk on fire")
}

func TestGetNote(t *testing.T) {
	f := newFixture(t)
	id := f.create("alice", `{"title":"one","tags":["a"]}`)["id"].(string)

	out := f.do(call{method: http.MethodGet, target: "/api/v1/notes/" + id, id: id})
	require.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "one", decode(t, out.Body)["title"])

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes/" + id + "?format=xml", id: id})
	require.Equal(t, http.StatusOK, out.Status)
	assert.Contains(t, string(out.Body), "<title>one</title>")
	assert.Contains(t, string(out.Body), "<tags><list-item>a</list-item></tags>")

	out = f.do(call{method: http.MethodGet, target: "/api/v1/notes/missing", id: "missing"})
	assert.Equal(t, http.StatusNotFound, out.Status)
	assert.Equal(t, "Not found.", decode(t, out.Body)["detail"])
}

func TestUpdateNote(t *testing.T) {
	f := newFixture(t)
	created := f.create("alice", `{"title":"one","body":"text","tags":["a"]}`)
	id := created["id"].(string)

	t.Run("patch keeps absent fields", func(t *testing.T) {
		out := f.do(call{method: http.MethodPatch, target: "/api/v1/notes/" + id, id: id, user: "alice",
			body: `{"tags":["b"]}`})
		require.Equal(t, http.StatusOK, out.Status, string(out.Body))
		note := decode(t, out.Body)
		assert.Equal(t, "one", note["title"])
		assert.Equal(t, "text", note["body"])
		assert.Equal(t, []any{"b"}, note["tags"])
		assert.NotEqual(t, created["updated_at"], note["updated_at"])
		assert.Equal(t, created["created_at"], note["created_at"])
	})

	t.Run("put resets absent fields", func(t *testing.T) {
		out := f.do(call{method: http.MethodPut, target: "/api/v1/notes/" + id, id: id, user: "alice",
			body: `{"title":"renamed"}`})
		require.Equal(t, http.StatusOK, out.Status, string(out.Body))
		note := decode(t, out.Body)
		assert.Equal(t, "renamed", note["title"])
		assert.Equal(t, "", note["body"])
		assert.Equal(t, []any{}, note["tags"])
	})

	t.Run("put requires title", func(t *testing.T) {
		out := f.do(call{method: http.MethodPut, target: "/api/v1/notes/" + id, id: id, user: "alice",
			body: `{"body":"x"}`})
		assert.Equal(t, http.StatusBadRequest, out.Status)
	})

	t.Run("other users are refused", func(t *testing.T) {
		out := f.do(call{method: http.MethodPatch, target: "/api/v1/notes/" + id, id: id, user: "bob",
			body: `{"title":"mine now"}`})
		assert.Equal(t, http.StatusForbidden, out.Status)
		assert.Equal(t, "Only the owner may modify this object.", decode(t, out.Body)["detail"])
	})

	t.Run("staff may modify", func(t *testing.T) {
		out := f.do(call{method: http.MethodPatch, target: "/api/v1/notes/" + id, id: id, user: "carol", staff: true,
			body: `{"title":"moderated"}`})
		require.Equal(t, http.StatusOK, out.Status)
		assert.Equal(t, "alice", decode(t, out.Body)["owner_id"])
	})

	stored, err := f.store.GetNote(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "moderated", stored.Title)
}

func TestDeleteNote(t *testing.T) {
	f := newFixture(t)
	id := f.create("alice", `{"title":"one"}`)["id"].(string)

	out := f.do(call{method: http.MethodDelete, target: "/api/v1/notes/" + id, id: id, user: "bob"})
	assert.Equal(t, http.StatusForbidden, out.Status)

	out = f.do(call{method: http.MethodDelete, target: "/api/v1/notes/" + id, id: id, user: "alice"})
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Empty(t, out.Body)

	_, err := f.store.GetNote(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out = f.do(call{method: http.MethodDelete, target: "/api/v1/notes/" + id, id: id, user: "alice"})
	assert.Equal(t, http.StatusNotFound, out.Status)
}

func TestItemOptions(t *testing.T) {
	f := newFixture(t)

	out := f.do(call{method: http.MethodOptions, target: "/api/v1/notes/x", id: "x"})
	require.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "GET, PUT, PATCH, DELETE, OPTIONS", out.Header.Get("Allow"))
	assert.Equal(t, Versions, decode(t, out.Body)["versions"])
}
