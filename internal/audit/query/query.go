// Package query serves the read side of the ledger: paginated chronological
// queries and per-resource timelines.
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/store"
	dErrors "rcm-audit/pkg/domain-errors"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timelineCap bounds a single resource's reconstructed history.
	timelineCap = 1000
)

// Cache is the optional timeline read cache. internal/platform/redis.Client
// satisfies it; a nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// Pagination describes one page of query results.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page is one page of matching events, newest first.
type Page struct {
	Events     []audit.Event `json:"events"`
	Pagination Pagination    `json:"pagination"`
}

// Service answers read queries against the ledger. Reads never observe
// partially appended events: the store only returns durable rows.
type Service struct {
	store  store.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
}

// New constructs the query service. cache may be nil.
func New(st store.Store, cache Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		store:  st,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		tracer: otel.Tracer("rcm-audit/query"),
	}
}

// Query returns one page of events matching the filter, newest first. Page
// and limit are clamped rather than rejected; filter validation happens at
// the transport layer.
func (s *Service) Query(ctx context.Context, f store.Filter, page, limit int) (*Page, error) {
	ctx, span := s.tracer.Start(ctx, "audit.query")
	defer span.End()

	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}
	span.SetAttributes(
		attribute.Int("audit.page", page),
		attribute.Int("audit.limit", limit),
	)

	events, total, err := s.store.Query(ctx, f, page, limit)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "ledger query failed", err)
	}
	if events == nil {
		events = []audit.Event{}
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return &Page{
		Events: events,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

// Timeline returns a resource's full history in ascending event-time order.
// An unknown resource yields an empty timeline, not an error. Results are
// cached briefly; the ledger is append-only, so a stale timeline is only ever
// missing the newest events.
func (s *Service) Timeline(ctx context.Context, resourceType, resourceID string) ([]audit.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.timeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.resource_type", resourceType),
		attribute.String("audit.resource_id", resourceID),
	)

	key := timelineKey(resourceType, resourceID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var events []audit.Event
			if err := json.Unmarshal(raw, &events); err == nil {
				span.SetAttributes(attribute.Bool("audit.cache_hit", true))
				return events, nil
			}
			s.logger.WarnContext(ctx, "discarding corrupt timeline cache entry", "key", key)
		}
	}

	events, err := s.store.FindByResource(ctx, resourceType, resourceID, timelineCap)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "timeline lookup failed", err)
	}
	if events == nil {
		events = []audit.Event{}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(events); err == nil {
			s.cache.Set(ctx, key, raw, s.ttl)
		}
	}
	return events, nil
}

func timelineKey(resourceType, resourceID string) string {
	return "audit:timeline:" + resourceType + ":" + resourceID
}
