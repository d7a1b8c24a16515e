//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/store"
	pgstore "rcm-audit/internal/audit/store/postgres"
	"rcm-audit/pkg/platform/sentinel"
	"rcm-audit/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *pgstore.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(pgstore.EnsureSchema(context.Background(), s.postgres.DB))
	s.store = pgstore.New(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func newEvent(i int) *audit.Event {
	return &audit.Event{
		AuditID:   fmt.Sprintf("audit_%d", i),
		EventID:   fmt.Sprintf("evt_%d", i),
		EventType: audit.EventDataAccessed,
		Actor: audit.Actor{
			UserID:    "u-1",
			Username:  "dr.salem",
			Role:      "physician",
			IPAddress: "10.0.0.1",
		},
		Resource:  &audit.Resource{ResourceType: "Claim", ResourceID: "c-1", BranchID: "riyadh"},
		Action:    audit.ActionRead,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]any{"requestId": fmt.Sprintf("req-%d", i)},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		Integrity: audit.Integrity{Hash: fmt.Sprintf("sha256:%064d", i), PreviousHash: "genesis"},
	}
}

func (s *PostgresStoreSuite) TestAppendRoundTrip() {
	ctx := context.Background()
	ev := newEvent(1)
	ev.PHIAccessed = true
	s.Require().NoError(s.store.Append(ctx, ev))

	got, err := s.store.FindLatest(ctx)
	s.Require().NoError(err)
	s.Equal(ev.AuditID, got.AuditID)
	s.Equal(ev.EventType, got.EventType)
	s.Equal(ev.Actor, got.Actor)
	s.Equal(ev.Resource, got.Resource)
	s.Equal(ev.Metadata, got.Metadata)
	s.Equal(ev.Integrity, got.Integrity)
	s.True(got.PHIAccessed)
	s.True(ev.Timestamp.Equal(got.Timestamp))
}

func (s *PostgresStoreSuite) TestDuplicateIDsConflict() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, newEvent(1)))

	dup := newEvent(2)
	dup.AuditID = "audit_1"
	s.ErrorIs(s.store.Append(ctx, dup), sentinel.ErrConflict)

	dup = newEvent(3)
	dup.EventID = "evt_1"
	s.ErrorIs(s.store.Append(ctx, dup), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestConcurrentDuplicateAppends() {
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newEvent(i)
			ev.AuditID = "audit_shared"
			ev.EventID = fmt.Sprintf("evt_shared_%d", i)
			if err := s.store.Append(ctx, ev); err == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
}

func (s *PostgresStoreSuite) TestFindLatestFollowsInsertionOrder() {
	ctx := context.Background()

	late := newEvent(1)
	early := newEvent(2)
	early.Timestamp = late.Timestamp.Add(-time.Hour)

	s.Require().NoError(s.store.Append(ctx, late))
	s.Require().NoError(s.store.Append(ctx, early))

	latest, err := s.store.FindLatest(ctx)
	s.Require().NoError(err)
	s.Equal("audit_2", latest.AuditID)
}

func (s *PostgresStoreSuite) TestEmptyLedger() {
	_, err := s.store.FindLatest(context.Background())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestQueryFiltersAndPaginates() {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		ev := newEvent(i)
		if i%2 == 0 {
			ev.EventType = audit.EventUserLogin
			ev.Resource = nil
		}
		s.Require().NoError(s.store.Append(ctx, ev))
	}

	events, total, err := s.store.Query(ctx, store.Filter{EventType: audit.EventUserLogin}, 1, 2)
	s.Require().NoError(err)
	s.Equal(4, total)
	s.Require().Len(events, 2)
	s.True(events[0].Timestamp.After(events[1].Timestamp))

	start := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
	_, total, err = s.store.Query(ctx, store.Filter{Start: &start, ActorID: "u-1"}, 1, 50)
	s.Require().NoError(err)
	s.Equal(5, total)
}

func (s *PostgresStoreSuite) TestTimelineAscending() {
	ctx := context.Background()
	for _, i := range []int{3, 0, 2, 1} {
		s.Require().NoError(s.store.Append(ctx, newEvent(i)))
	}

	events, err := s.store.FindByResource(ctx, "Claim", "c-1", 1000)
	s.Require().NoError(err)
	s.Require().Len(events, 4)
	for i := 1; i < len(events); i++ {
		s.True(events[i].Timestamp.After(events[i-1].Timestamp))
	}
}

func (s *PostgresStoreSuite) TestScannerReads() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ev := newEvent(i)
		ev.EventType = audit.EventUserLogin
		ev.Outcome = audit.OutcomeFailure
		ev.Actor.IPAddress = fmt.Sprintf("10.0.0.%d", i+1)
		s.Require().NoError(s.store.Append(ctx, ev))
	}

	count, err := s.store.CountRecent(ctx, store.CountFilter{
		EventType: audit.EventUserLogin,
		Outcome:   audit.OutcomeFailure,
		Since:     base.Add(-24 * time.Hour),
	})
	s.Require().NoError(err)
	s.Equal(3, count)

	ips, err := s.store.DistinctIPsByActor(ctx, base.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, ips["u-1"])
}

func (s *PostgresStoreSuite) TestRetentionReads() {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.store.Append(ctx, newEvent(i)))
	}
	cutoff := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)

	count, err := s.store.CountExpired(ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(2, count)

	expired, err := s.store.ListExpired(ctx, cutoff, 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 2)
	s.Equal("audit_0", expired[0].AuditID)
}

func (s *PostgresStoreSuite) TestListChainInsertionOrder() {
	ctx := context.Background()
	for _, i := range []int{2, 0, 1} {
		s.Require().NoError(s.store.Append(ctx, newEvent(i)))
	}

	events, err := s.store.ListChain(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal("audit_2", events[0].AuditID)
	s.Equal("audit_0", events[1].AuditID)
	s.Equal("audit_1", events[2].AuditID)
}
