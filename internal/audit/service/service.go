// Package service implements audit ingestion: validation, id assignment,
// hash chaining, durable append, and best-effort stream fan-out.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/chain"
	"rcm-audit/internal/audit/metrics"
	"rcm-audit/internal/audit/store"
	dErrors "rcm-audit/pkg/domain-errors"
	"rcm-audit/pkg/platform/sentinel"
	"rcm-audit/pkg/requestcontext"
)

// StreamPublisher is the best-effort fan-out seam. A nil publisher means the
// stream is disabled; Connected is only consulted by health checks.
type StreamPublisher interface {
	Publish(ev audit.Event)
	Connected() bool
}

// Service accepts audit events. Appends are serialized through the chain
// engine's single lane, so concurrent submissions can never fork the chain.
type Service struct {
	store     store.Store
	engine    *chain.Engine
	publisher StreamPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	clock     func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock sets the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs the ingestion service. publisher may be nil.
func New(st store.Store, engine *chain.Engine, publisher StreamPublisher, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Service {
	s := &Service{
		store:     st,
		engine:    engine,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("rcm-audit/ingestion"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request, assigns identifiers, links the event into the
// hash chain, appends it durably, and returns a receipt. The append and tip
// advance are one logical unit: a failed append leaves the tip untouched and
// yields no receipt. Stream publishing happens after the append and cannot
// fail the call.
func (s *Service) Submit(ctx context.Context, req audit.Request) (*audit.Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "audit.submit")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ev := s.buildEvent(ctx, req)
	span.SetAttributes(
		attribute.String("audit.id", ev.AuditID),
		attribute.String("audit.event_type", string(ev.EventType)),
	)

	start := s.clock()
	err := s.engine.Append(ctx, func(previousHash string) (string, error) {
		hash, err := chain.ComputeHash(ev, previousHash)
		if err != nil {
			return "", err
		}
		ev.Integrity = audit.Integrity{Hash: hash, PreviousHash: previousHash}
		if err := s.store.Append(ctx, &ev); err != nil {
			return "", err
		}
		return hash, nil
	})
	s.metrics.ObserveWrite(s.clock().Sub(start).Seconds())

	if err != nil {
		if errors.Is(err, sentinel.ErrUnavailable) {
			s.logger.ErrorContext(ctx, "chain tip unavailable, refusing write",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			return nil, dErrors.Wrap(dErrors.CodeChainUnavailable, "chain state unavailable", err)
		}
		s.logger.ErrorContext(ctx, "ledger append failed",
			"request_id", requestcontext.RequestID(ctx),
			"audit_id", ev.AuditID,
			"error", err,
		)
		return nil, dErrors.Wrap(dErrors.CodeWriteFailed, "audit logging failed", err)
	}

	s.metrics.IncEvent(string(ev.EventType), string(ev.Outcome))
	if ev.PHIAccessed {
		resource := ""
		if ev.Resource != nil {
			resource = ev.Resource.ResourceType + "/" + ev.Resource.ResourceID
		}
		s.logger.WarnContext(ctx, "PHI access recorded",
			"audit_id", ev.AuditID,
			"actor_id", ev.Actor.UserID,
			"resource", resource,
		)
	}

	if s.publisher != nil {
		s.publisher.Publish(ev)
	}

	s.logger.InfoContext(ctx, "audit event logged",
		"request_id", requestcontext.RequestID(ctx),
		"audit_id", ev.AuditID,
		"event_type", string(ev.EventType),
		"outcome", string(ev.Outcome),
	)

	return &audit.Receipt{
		AuditID:   ev.AuditID,
		EventID:   ev.EventID,
		Logged:    true,
		Timestamp: ev.Timestamp,
		Integrity: ev.Integrity,
	}, nil
}

// buildEvent assigns ids and the event timestamp and enriches the event with
// caller metadata from the request context. Timestamps are truncated to
// microseconds so the canonical form survives a store round trip.
func (s *Service) buildEvent(ctx context.Context, req audit.Request) audit.Event {
	ts := requestcontext.Now(ctx)
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	ev := audit.Event{
		AuditID:   "audit_" + uuid.NewString(),
		EventID:   "evt_" + uuid.NewString(),
		EventType: req.EventType,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Action:    req.Action,
		Outcome:   req.Outcome,
		Metadata:  enrichMetadata(ctx, req.Metadata),
		Timestamp: ts.UTC().Truncate(time.Microsecond),
	}
	if ev.Actor.IPAddress == "" {
		ev.Actor.IPAddress = requestcontext.ClientIP(ctx)
	}
	if ev.Resource != nil {
		ev.PHIAccessed = audit.IsPHIResource(ev.Resource.ResourceType)
	}
	return ev
}

// enrichMetadata copies the caller's opaque metadata and records the calling
// client's user agent when one was captured. The caller's map is never
// mutated and caller-supplied keys always win.
func enrichMetadata(ctx context.Context, metadata map[string]any) map[string]any {
	raw := requestcontext.UserAgent(ctx)
	if raw == "" {
		return metadata
	}

	enriched := make(map[string]any, len(metadata)+3)
	enriched["userAgent"] = raw
	ua := useragent.New(raw)
	if name, version := ua.Browser(); name != "" {
		enriched["client"] = name + " " + version
	}
	if os := ua.OS(); os != "" {
		enriched["clientOs"] = os
	}
	for k, v := range metadata {
		enriched[k] = v
	}
	return enriched
}
