// Package handler exposes the audit service over REST.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/chain"
	"rcm-audit/internal/audit/query"
	"rcm-audit/internal/audit/store"
	dErrors "rcm-audit/pkg/domain-errors"
	"rcm-audit/pkg/platform/httputil"
	"rcm-audit/pkg/requestcontext"
)

// verifyMax bounds a single verification pass.
const verifyMax = 10000

// Ingestor accepts audit events.
type Ingestor interface {
	Submit(ctx context.Context, req audit.Request) (*audit.Receipt, error)
}

// Reader serves the query and timeline read paths.
type Reader interface {
	Query(ctx context.Context, f store.Filter, page, limit int) (*query.Page, error)
	Timeline(ctx context.Context, resourceType, resourceID string) ([]audit.Event, error)
}

// AnomalyScanner runs the suspicious-activity heuristics on demand.
type AnomalyScanner interface {
	Scan(ctx context.Context) ([]audit.Finding, error)
}

// ChainReader serves the auditor's verification pass and the store health
// probe.
type ChainReader interface {
	ListChain(ctx context.Context, max int) ([]audit.Event, error)
	Ping(ctx context.Context) error
}

// StreamHealth reports broker connectivity. A nil StreamHealth means the
// stream is disabled and never degrades health.
type StreamHealth interface {
	Connected() bool
}

// Handler wires the audit operations into chi routes.
type Handler struct {
	ingestor Ingestor
	reader   Reader
	scanner  AnomalyScanner
	chain    ChainReader
	stream   StreamHealth
	logger   *slog.Logger
}

// New constructs the handler. stream may be nil.
func New(ingestor Ingestor, reader Reader, scanner AnomalyScanner, chainReader ChainReader, stream StreamHealth, logger *slog.Logger) *Handler {
	return &Handler{
		ingestor: ingestor,
		reader:   reader,
		scanner:  scanner,
		chain:    chainReader,
		stream:   stream,
		logger:   logger,
	}
}

// Register mounts the audit routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Post("/log", h.log)
		r.Get("/query", h.query)
		r.Get("/timeline/{resourceType}/{resourceID}", h.timeline)
		r.Get("/anomalies", h.anomalies)
		r.Get("/verify", h.verify)
	})
	r.Get("/health", h.health)
}

func (h *Handler) log(w http.ResponseWriter, r *http.Request) {
	var req audit.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.Wrap(dErrors.CodeSchema, "malformed request body", err))
		return
	}

	receipt, err := h.ingestor.Submit(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 0)

	result, err := h.reader.Query(r.Context(), f, page, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "query failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	resourceID := chi.URLParam(r, "resourceID")

	events, err := h.reader.Timeline(r.Context(), resourceType, resourceID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "timeline failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"resource_type", resourceType,
			"resource_id", resourceID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, timelineResponse{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Events:       events,
		Count:        len(events),
	})
}

func (h *Handler) anomalies(w http.ResponseWriter, r *http.Request) {
	findings, err := h.scanner.Scan(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "anomaly scan failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, anomaliesResponse{
		Findings:  findings,
		Count:     len(findings),
		ScannedAt: time.Now().UTC(),
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	events, err := h.chain.ListChain(r.Context(), verifyMax)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "chain read for verification failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(dErrors.CodeInternal, "chain read failed", err))
		return
	}

	result := chain.Verify(events)
	if !result.Valid {
		h.logger.ErrorContext(r.Context(), "chain verification failed",
			"broken_at", result.BrokenAt,
			"reason", result.Reason,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// health reports store and stream connectivity independently. The service is
// unhealthy only when the ledger store is unreachable; a down stream degrades
// but keeps accepting writes.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "healthy",
		Components: map[string]string{"store": "up"},
	}
	status := http.StatusOK

	if err := h.chain.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Components["store"] = "down"
		status = http.StatusServiceUnavailable
	}

	switch {
	case h.stream == nil:
		resp.Components["stream"] = "disabled"
	case h.stream.Connected():
		resp.Components["stream"] = "up"
	default:
		resp.Components["stream"] = "down"
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	httputil.WriteJSON(w, status, resp)
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		ActorID:      q.Get("actorId"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		EventType:    audit.EventType(q.Get("eventType")),
	}

	if raw := q.Get("startDate"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, dErrors.Newf(dErrors.CodeQuery, "invalid startDate %q, want RFC 3339", raw)
		}
		f.Start = &ts
	}
	if raw := q.Get("endDate"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, dErrors.Newf(dErrors.CodeQuery, "invalid endDate %q, want RFC 3339", raw)
		}
		f.End = &ts
	}
	return f, nil
}

func intParam(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
