package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/store/memory"
)

type recordedAlert struct {
	requests []audit.Request
}

func (r *recordedAlert) Submit(_ context.Context, req audit.Request) (*audit.Receipt, error) {
	r.requests = append(r.requests, req)
	return &audit.Receipt{AuditID: "audit_alert", Logged: true}, nil
}

type ScannerSuite struct {
	suite.Suite
	store *memory.InMemoryStore
	now   time.Time
	seq   int
}

func TestScannerSuite(t *testing.T) {
	suite.Run(t, new(ScannerSuite))
}

func (s *ScannerSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	s.seq = 0
}

func (s *ScannerSuite) scanner(opts ...Option) *Scanner {
	cfg := Config{
		Window:     24 * time.Hour,
		Thresholds: Thresholds{FailedLogins: 5, Exports: 20, DistinctIPs: 3},
	}
	opts = append([]Option{WithClock(func() time.Time { return s.now })}, opts...)
	return New(s.store, cfg, slog.New(slog.DiscardHandler), nil, opts...)
}

func (s *ScannerSuite) record(eventType audit.EventType, outcome audit.Outcome, actorID, ip string, age time.Duration) {
	s.seq++
	ev := audit.Event{
		AuditID:   fmt.Sprintf("audit_%04d", s.seq),
		EventID:   fmt.Sprintf("evt_%04d", s.seq),
		EventType: eventType,
		Actor:     audit.Actor{UserID: actorID, Username: actorID, IPAddress: ip},
		Action:    audit.ActionExecute,
		Outcome:   outcome,
		Timestamp: s.now.Add(-age),
	}
	s.Require().NoError(s.store.Append(context.Background(), &ev))
}

func (s *ScannerSuite) findingsOfType(findings []audit.Finding, t audit.FindingType) []audit.Finding {
	var out []audit.Finding
	for _, f := range findings {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (s *ScannerSuite) TestFailedLoginThresholdIsStrict() {
	for i := 0; i < 5; i++ {
		s.record(audit.EventUserLogin, audit.OutcomeFailure, "u-1", "10.0.0.1", time.Hour)
	}

	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)
	s.Empty(s.findingsOfType(findings, audit.FindingFailedLogins), "threshold boundary must not trigger")

	s.record(audit.EventUserLogin, audit.OutcomeFailure, "u-1", "10.0.0.1", time.Hour)
	findings, err = s.scanner().Scan(context.Background())
	s.Require().NoError(err)

	failed := s.findingsOfType(findings, audit.FindingFailedLogins)
	s.Require().Len(failed, 1)
	s.Equal(audit.SeverityHigh, failed[0].Severity)
	s.Equal(6, failed[0].Count)
}

func (s *ScannerSuite) TestSuccessfulLoginsDoNotCount() {
	for i := 0; i < 10; i++ {
		s.record(audit.EventUserLogin, audit.OutcomeSuccess, "u-1", "10.0.0.1", time.Hour)
	}

	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)
	s.Empty(s.findingsOfType(findings, audit.FindingFailedLogins))
}

func (s *ScannerSuite) TestExportThresholdIsStrict() {
	for i := 0; i < 20; i++ {
		s.record(audit.EventDataExported, audit.OutcomeSuccess, "u-2", "10.0.0.2", time.Hour)
	}

	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)
	s.Empty(s.findingsOfType(findings, audit.FindingExports))

	s.record(audit.EventDataExported, audit.OutcomeSuccess, "u-2", "10.0.0.2", time.Hour)
	findings, err = s.scanner().Scan(context.Background())
	s.Require().NoError(err)

	exports := s.findingsOfType(findings, audit.FindingExports)
	s.Require().Len(exports, 1)
	s.Equal(audit.SeverityMedium, exports[0].Severity)
	s.Equal(21, exports[0].Count)
}

func (s *ScannerSuite) TestMultiIPDetectionIsPerActor() {
	for i := 0; i < 3; i++ {
		s.record(audit.EventDataAccessed, audit.OutcomeSuccess, "u-calm", fmt.Sprintf("10.0.0.%d", i), time.Hour)
	}
	for i := 0; i < 4; i++ {
		s.record(audit.EventDataAccessed, audit.OutcomeSuccess, "u-roaming", fmt.Sprintf("192.168.0.%d", i), time.Hour)
	}

	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)

	multiIP := s.findingsOfType(findings, audit.FindingMultiIP)
	s.Require().Len(multiIP, 1)
	s.Equal("u-roaming", multiIP[0].ActorID)
	s.Equal(4, multiIP[0].IPCount)
	s.Equal(audit.SeverityMedium, multiIP[0].Severity)
}

func (s *ScannerSuite) TestEventsOutsideWindowAreIgnored() {
	for i := 0; i < 10; i++ {
		s.record(audit.EventUserLogin, audit.OutcomeFailure, "u-1", "10.0.0.1", 25*time.Hour)
	}

	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)
	s.Empty(findings)
}

func (s *ScannerSuite) TestCleanScanReturnsEmptyFindings() {
	findings, err := s.scanner().Scan(context.Background())
	s.Require().NoError(err)
	s.NotNil(findings)
	s.Empty(findings)
}

func (s *ScannerSuite) TestAlertEmission() {
	for i := 0; i < 6; i++ {
		s.record(audit.EventUserLogin, audit.OutcomeFailure, "u-1", "10.0.0.1", time.Hour)
	}

	recorder := &recordedAlert{}
	sc := New(s.store, Config{
		Window:     24 * time.Hour,
		Thresholds: Thresholds{FailedLogins: 5, Exports: 20, DistinctIPs: 3},
		EmitAlerts: true,
	}, slog.New(slog.DiscardHandler), nil, WithClock(func() time.Time { return s.now }), WithRecorder(recorder))

	findings, err := sc.Scan(context.Background())
	s.Require().NoError(err)
	s.Require().NotEmpty(findings)

	s.Require().Len(recorder.requests, 1)
	alert := recorder.requests[0]
	s.Equal(audit.EventSystemError, alert.EventType)
	s.Equal("anomaly-scanner", alert.Actor.Username)
	s.Equal(audit.OutcomeFailure, alert.Outcome)
}

func (s *ScannerSuite) TestNoAlertOnCleanScan() {
	recorder := &recordedAlert{}
	sc := New(s.store, Config{
		Window:     24 * time.Hour,
		Thresholds: Thresholds{FailedLogins: 5, Exports: 20, DistinctIPs: 3},
		EmitAlerts: true,
	}, slog.New(slog.DiscardHandler), nil, WithClock(func() time.Time { return s.now }), WithRecorder(recorder))

	findings, err := sc.Scan(context.Background())
	s.Require().NoError(err)
	s.Empty(findings)
	s.Empty(recorder.requests)
}
