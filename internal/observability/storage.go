package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"restpipe/internal/models"
	"restpipe/internal/storage"
)

const instrumentationName = "restpipe/storage"

// InstrumentedStorage wraps a storage.Storage implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// NewInstrumentedStorage creates a storage wrapper that records a span, a
// latency sample and, on failure, an error count for every call.
func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	meter := otel.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

// record ends span. ErrNotFound is an expected answer, not a failure, so it
// is tagged on the span but not counted.
func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, storage.ErrNotFound):
		span.SetAttributes(attribute.Bool("storage.not_found", true))
		span.SetStatus(codes.Ok, "")
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func observe[T any](ctx context.Context, s *InstrumentedStorage, operation string, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	ctx, span := s.startSpan(ctx, operation, attrs...)
	start := time.Now()
	result, err := fn(ctx)
	s.record(ctx, span, operation, start, err)
	return result, err
}

func (s *InstrumentedStorage) exec(ctx context.Context, operation string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	_, err := observe(ctx, s, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, attrs...)
	return err
}

func (s *InstrumentedStorage) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return s.exec(ctx, "CreateAPIKey", func(ctx context.Context) error {
		return s.inner.CreateAPIKey(ctx, key)
	}, attribute.String("key_id", key.ID))
}

// GetAPIKeyByHash deliberately leaves the hash off the span.
func (s *InstrumentedStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	return observe(ctx, s, "GetAPIKeyByHash", func(ctx context.Context) (*models.APIKey, error) {
		return s.inner.GetAPIKeyByHash(ctx, hash)
	})
}

func (s *InstrumentedStorage) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return observe(ctx, s, "ListAPIKeys", s.inner.ListAPIKeys)
}

func (s *InstrumentedStorage) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	return s.exec(ctx, "UpdateAPIKey", func(ctx context.Context) error {
		return s.inner.UpdateAPIKey(ctx, key)
	}, attribute.String("key_id", key.ID))
}

func (s *InstrumentedStorage) DeleteAPIKey(ctx context.Context, id string) error {
	return s.exec(ctx, "DeleteAPIKey", func(ctx context.Context) error {
		return s.inner.DeleteAPIKey(ctx, id)
	}, attribute.String("key_id", id))
}

func (s *InstrumentedStorage) CreateUser(ctx context.Context, user *models.User) error {
	return s.exec(ctx, "CreateUser", func(ctx context.Context) error {
		return s.inner.CreateUser(ctx, user)
	}, attribute.String("user_id", user.ID))
}

func (s *InstrumentedStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return observe(ctx, s, "GetUser", func(ctx context.Context) (*models.User, error) {
		return s.inner.GetUser(ctx, id)
	}, attribute.String("user_id", id))
}

func (s *InstrumentedStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return observe(ctx, s, "GetUserByUsername", func(ctx context.Context) (*models.User, error) {
		return s.inner.GetUserByUsername(ctx, username)
	})
}

func (s *InstrumentedStorage) CreateNote(ctx context.Context, note *models.Note) error {
	return s.exec(ctx, "CreateNote", func(ctx context.Context) error {
		return s.inner.CreateNote(ctx, note)
	}, attribute.String("note_id", note.ID))
}

func (s *InstrumentedStorage) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return observe(ctx, s, "GetNote", func(ctx context.Context) (*models.Note, error) {
		return s.inner.GetNote(ctx, id)
	}, attribute.String("note_id", id))
}

func (s *InstrumentedStorage) ListNotes(ctx context.Context, ownerID string) ([]*models.Note, error) {
	return observe(ctx, s, "ListNotes", func(ctx context.Context) ([]*models.Note, error) {
		return s.inner.ListNotes(ctx, ownerID)
	}, attribute.String("owner_id", ownerID))
}

func (s *InstrumentedStorage) UpdateNote(ctx context.Context, note *models.Note) error {
	return s.exec(ctx, "UpdateNote", func(ctx context.Context) error {
		return s.inner.UpdateNote(ctx, note)
	}, attribute.String("note_id", note.ID))
}

func (s *InstrumentedStorage) DeleteNote(ctx context.Context, id string) error {
	return s.exec(ctx, "DeleteNote", func(ctx context.Context) error {
		return s.inner.DeleteNote(ctx, id)
	}, attribute.String("note_id", id))
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	return s.exec(ctx, "Ping", s.inner.Ping)
}

// Close is not traced.
func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
