// Package notes is the application resource served by restpipe: owned text
// notes with tags, stored through storage.NoteStore and exposed as a
// collection and an item resource.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"restpipe/internal/apierror"
	"restpipe/internal/dispatch"
	"restpipe/internal/models"
	"restpipe/internal/permission"
	"restpipe/internal/storage"
)

// Versions is the version constraint both resources accept.
const Versions = ">= 1.0, < 2.0"

// envelopeSince is the first version whose list responses are wrapped in
// {"count", "results"}; older clients get a bare list.
var envelopeSince = semver.MustParse("1.1.0")

// IDParam is the path variable naming a note.
const IDParam = "id"

// Service implements the notes handlers.
type Service struct {
	store    storage.NoteStore
	basePath string
	checks   []permission.Check
	now      func() time.Time
}

// NewService creates the notes service. basePath is the collection URL used
// for Location headers. checks guard both resources; the item resource adds
// an ownership check after them.
func NewService(store storage.NoteStore, basePath string, checks []permission.Check) *Service {
	return &Service{
		store:    store,
		basePath: strings.TrimRight(basePath, "/"),
		checks:   checks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Collection returns the resource for the notes collection.
func (s *Service) Collection() *dispatch.Resource {
	return &dispatch.Resource{
		Name:        "notes",
		Description: "Lists notes and creates new ones. Filter with ?owner=<id> or ?owner=me.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet:  s.list,
			http.MethodPost: s.create,
		},
		Permissions:   s.checks,
		Validate:      validate,
		Versions:      Versions,
		ThrottleScope: "notes",
	}
}

// Item returns the resource for a single note.
func (s *Service) Item() *dispatch.Resource {
	checks := append(append([]permission.Check(nil), s.checks...), permission.IsOwnerOrReadOnly{})
	return &dispatch.Resource{
		Name:        "note",
		Description: "Reads, replaces, updates or deletes one note. Only the owner may modify it.",
		Handlers: map[string]dispatch.Handler{
			http.MethodGet:    s.get,
			http.MethodPut:    s.update,
			http.MethodPatch:  s.update,
			http.MethodDelete: s.delete,
		},
		Permissions:   checks,
		Validate:      validate,
		Object:        s.load,
		Versions:      Versions,
		ThrottleScope: "notes",
	}
}

func (s *Service) load(ctx context.Context, req *dispatch.Request) (any, error) {
	note, err := s.store.GetNote(ctx, req.Params[IDParam])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewApplicationError(http.StatusNotFound, "Not found.", nil)
		}
		return nil, fmt.Errorf("load note: %w", err)
	}
	return note, nil
}

func (s *Service) list(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	owner := req.Query.Get("owner")
	if owner == "me" {
		if req.Identity.IsAnonymous() {
			return s.listResponse(req, nil), nil
		}
		owner = req.Identity.ID
	}

	notes, err := s.store.ListNotes(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return s.listResponse(req, notes), nil
}

func (s *Service) listResponse(req *dispatch.Request, notes []*models.Note) *dispatch.Response {
	if notes == nil {
		notes = []*models.Note{}
	}
	if req.Version != nil && req.Version.LessThan(envelopeSince) {
		return dispatch.OK(notes)
	}
	return dispatch.OK(map[string]any{
		"count":   len(notes),
		"results": notes,
	})
}

// create requires an identity even when the configured checks admit
// anonymous writes: a note without an owner could never be modified.
func (s *Service) create(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	if req.Identity.IsAnonymous() {
		return nil, apierror.NewPermissionDenied("Authentication credentials were not provided.")
	}
	in := req.Content.(*input)
	now := s.now()
	note := &models.Note{
		ID:        models.NewID(),
		OwnerID:   req.Identity.ID,
		Title:     *in.Title,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Body != nil {
		note.Body = *in.Body
	}
	if in.HasTags {
		note.Tags = in.Tags
	}

	if err := s.store.CreateNote(ctx, note); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	slog.InfoContext(ctx, "Note created",
		"request_id", req.ID,
		"note_id", note.ID,
		"owner_id", note.OwnerID)
	return dispatch.Created(note, s.basePath+"/"+note.ID), nil
}

func (s *Service) get(_ context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	return dispatch.OK(req.Object), nil
}

// update serves PUT and PATCH. PUT replaces every field, resetting absent
// ones; PATCH only touches the fields present.
func (s *Service) update(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	note := *req.Object.(*models.Note)
	in := req.Content.(*input)

	if req.Method == http.MethodPut {
		note.Body = ""
		note.Tags = []string{}
	}
	if in.Title != nil {
		note.Title = *in.Title
	}
	if in.Body != nil {
		note.Body = *in.Body
	}
	if in.HasTags {
		note.Tags = in.Tags
	}
	note.UpdatedAt = s.now()

	if err := s.store.UpdateNote(ctx, &note); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewApplicationError(http.StatusNotFound, "Not found.", nil)
		}
		return nil, fmt.Errorf("update note: %w", err)
	}
	return dispatch.OK(&note), nil
}

func (s *Service) delete(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	note := req.Object.(*models.Note)
	if err := s.store.DeleteNote(ctx, note.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("delete note: %w", err)
	}
	slog.InfoContext(ctx, "Note deleted",
		"request_id", req.ID,
		"note_id", note.ID,
		"actor", req.Identity.ID)
	return dispatch.NoContent(), nil
}
