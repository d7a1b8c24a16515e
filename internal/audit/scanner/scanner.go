// Package scanner runs heuristic checks over a trailing window of ledger
// activity and reports suspicious-activity findings. Findings are reports,
// not ledger entries; they are recomputed on every scan.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/metrics"
	"rcm-audit/internal/audit/store"
	dErrors "rcm-audit/pkg/domain-errors"
)

// Thresholds tune scan sensitivity. Every comparison is strictly
// greater-than: a count equal to the threshold does not trigger.
type Thresholds struct {
	FailedLogins int
	Exports      int
	DistinctIPs  int
}

// Config holds the scan window and thresholds.
type Config struct {
	Window     time.Duration
	Thresholds Thresholds

	// EmitAlerts writes a SYSTEM_ERROR event into the ledger whenever a scan
	// yields findings, so alerts themselves leave an audit trail.
	EmitAlerts bool
}

// Recorder is the ingestion seam used for alert emission.
type Recorder interface {
	Submit(ctx context.Context, req audit.Request) (*audit.Receipt, error)
}

// Scanner reads recent ledger activity and flags suspicious actor behavior.
type Scanner struct {
	store    store.Store
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	clock    func() time.Time
}

// Option configures the Scanner.
type Option func(*Scanner)

// WithClock sets the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scanner) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRecorder enables alert emission through the given ingestion service.
func WithRecorder(r Recorder) Option {
	return func(s *Scanner) {
		s.recorder = r
	}
}

// New constructs the scanner.
func New(st store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Scanner {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	s := &Scanner{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("rcm-audit/scanner"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan runs every heuristic over the trailing window and returns the
// findings. A clean scan returns an empty, non-nil slice.
func (s *Scanner) Scan(ctx context.Context) ([]audit.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "audit.scan")
	defer span.End()

	since := s.clock().Add(-s.cfg.Window)
	findings := []audit.Finding{}

	failed, err := s.store.CountRecent(ctx, store.CountFilter{
		EventType: audit.EventUserLogin,
		Outcome:   audit.OutcomeFailure,
		Since:     since,
	})
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed-login scan failed", err)
	}
	if failed > s.cfg.Thresholds.FailedLogins {
		findings = append(findings, audit.Finding{
			Type:        audit.FindingFailedLogins,
			Severity:    audit.SeverityHigh,
			Description: fmt.Sprintf("%d failed login attempts in the last %s", failed, s.cfg.Window),
			Count:       failed,
		})
	}

	exports, err := s.store.CountRecent(ctx, store.CountFilter{
		EventType: audit.EventDataExported,
		Since:     since,
	})
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "export scan failed", err)
	}
	if exports > s.cfg.Thresholds.Exports {
		findings = append(findings, audit.Finding{
			Type:        audit.FindingExports,
			Severity:    audit.SeverityMedium,
			Description: fmt.Sprintf("%d data exports in the last %s", exports, s.cfg.Window),
			Count:       exports,
		})
	}

	ipsByActor, err := s.store.DistinctIPsByActor(ctx, since)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "multi-ip scan failed", err)
	}
	actors := make([]string, 0, len(ipsByActor))
	for actor := range ipsByActor {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	for _, actor := range actors {
		ips := ipsByActor[actor]
		if len(ips) > s.cfg.Thresholds.DistinctIPs {
			findings = append(findings, audit.Finding{
				Type:        audit.FindingMultiIP,
				Severity:    audit.SeverityMedium,
				Description: fmt.Sprintf("actor %s accessed from %d distinct IP addresses in the last %s", actor, len(ips), s.cfg.Window),
				Count:       len(ips),
				ActorID:     actor,
				IPCount:     len(ips),
			})
		}
	}

	span.SetAttributes(attribute.Int("audit.findings", len(findings)))
	for _, f := range findings {
		s.metrics.IncFinding(string(f.Type))
		s.logger.WarnContext(ctx, "suspicious activity detected",
			"finding_type", string(f.Type),
			"severity", string(f.Severity),
			"count", f.Count,
			"actor_id", f.ActorID,
		)
	}

	if len(findings) > 0 && s.cfg.EmitAlerts && s.recorder != nil {
		s.emitAlert(ctx, findings)
	}

	return findings, nil
}

// emitAlert records the scan outcome as a ledger event. Emission is
// best-effort; a failed alert write never fails the scan.
func (s *Scanner) emitAlert(ctx context.Context, findings []audit.Finding) {
	types := make([]string, len(findings))
	for i, f := range findings {
		types[i] = string(f.Type)
	}

	_, err := s.recorder.Submit(ctx, audit.Request{
		EventType: audit.EventSystemError,
		Actor:     audit.Actor{UserID: "system", Username: "anomaly-scanner"},
		Action:    audit.ActionExecute,
		Outcome:   audit.OutcomeFailure,
		Metadata: map[string]any{
			"alert":        "suspicious_activity",
			"findingTypes": types,
			"findingCount": len(findings),
		},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scan alert emission failed", "error", err)
	}
}
