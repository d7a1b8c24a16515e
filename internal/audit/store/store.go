// Package store defines the append-only ledger contract. Implementations
// expose no update or delete operation: the only write is Append, and the
// retention sweep is a read-side concern handled by the cold-storage exporter.
package store

import (
	"context"
	"time"

	"rcm-audit/internal/audit"
)

// Filter narrows a ledger query. Zero values mean "no constraint".
type Filter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	EventType    audit.EventType
	Start        *time.Time
	End          *time.Time
}

// CountFilter narrows the scanner's recent-activity counts.
type CountFilter struct {
	ActorID   string
	EventType audit.EventType
	Outcome   audit.Outcome
	Since     time.Time
}

// Store is the durable, append-only ledger.
//
// Append returns sentinel.ErrConflict when the audit or event id already
// exists, and FindLatest returns sentinel.ErrNotFound on an empty ledger.
type Store interface {
	// Append durably persists one immutable event.
	Append(ctx context.Context, ev *audit.Event) error

	// FindLatest returns the most recently appended event, by insertion order.
	FindLatest(ctx context.Context) (*audit.Event, error)

	// Query returns one page of events matching the filter, newest first,
	// along with the total match count.
	Query(ctx context.Context, f Filter, page, limit int) ([]audit.Event, int, error)

	// FindByResource returns up to max events for one resource, ascending by
	// event time, for timeline reconstruction.
	FindByResource(ctx context.Context, resourceType, resourceID string, max int) ([]audit.Event, error)

	// CountRecent counts events matching the filter since the given instant.
	CountRecent(ctx context.Context, f CountFilter) (int, error)

	// DistinctIPsByActor groups events since the given instant by actor and
	// collects each actor's distinct source IPs. Events without an IP are
	// ignored.
	DistinctIPsByActor(ctx context.Context, since time.Time) (map[string][]string, error)

	// ListChain returns up to max events in insertion order from the start of
	// the ledger, for chain verification.
	ListChain(ctx context.Context, max int) ([]audit.Event, error)

	// ListExpired returns up to max events with timestamps at or before the
	// retention cutoff. This is the cold-storage exporter's read contract;
	// nothing is deleted.
	ListExpired(ctx context.Context, cutoff time.Time, max int) ([]audit.Event, error)

	// CountExpired counts events eligible for archival at the given cutoff.
	CountExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error
}
