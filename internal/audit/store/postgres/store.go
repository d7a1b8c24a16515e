// Package postgres implements the ledger store on PostgreSQL. The table is
// append-only: this package issues INSERT and SELECT statements only, and the
// unique audit/event id constraints surface duplicates as conflicts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/store"
	"rcm-audit/pkg/platform/sentinel"
)

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const eventColumns = `
	audit_id, event_id, event_type,
	actor_user_id, actor_username, actor_role, actor_ip,
	resource_type, resource_id, branch_id,
	action, outcome, metadata, ts, phi_accessed,
	hash, previous_hash`

func (s *Store) Append(ctx context.Context, ev *audit.Event) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}

	var resourceType, resourceID, branchID sql.NullString
	if ev.Resource != nil {
		resourceType = sql.NullString{String: ev.Resource.ResourceType, Valid: true}
		resourceID = sql.NullString{String: ev.Resource.ResourceID, Valid: true}
		branchID = nullable(ev.Resource.BranchID)
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.AuditID,
		ev.EventID,
		string(ev.EventType),
		ev.Actor.UserID,
		ev.Actor.Username,
		nullable(ev.Actor.Role),
		nullable(ev.Actor.IPAddress),
		resourceType,
		resourceID,
		branchID,
		string(ev.Action),
		string(ev.Outcome),
		metadata,
		ev.Timestamp.UTC(),
		ev.PHIAccessed,
		ev.Integrity.Hash,
		ev.Integrity.PreviousHash,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("append event %s: %w", ev.AuditID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// FindLatest returns the most recently inserted event. Insertion order is
// tracked by the bigserial sequence, not timestamps, so clock skew between
// callers cannot reorder the chain tip.
func (s *Store) FindLatest(ctx context.Context) (*audit.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		ORDER BY seq DESC
		LIMIT 1
	`)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest event: %w", err)
	}
	return ev, nil
}

func (s *Store) Query(ctx context.Context, f store.Filter, page, limit int) ([]audit.Event, int, error) {
	where, args := buildFilter(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM audit_events%s
		ORDER BY ts DESC, seq DESC
		LIMIT $%d OFFSET $%d
	`, eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *Store) FindByResource(ctx context.Context, resourceType, resourceID string, max int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY ts ASC, seq ASC
		LIMIT $3
	`, resourceType, resourceID, max)
	if err != nil {
		return nil, fmt.Errorf("query resource timeline: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) CountRecent(ctx context.Context, f store.CountFilter) (int, error) {
	conditions := []string{"ts >= $1"}
	args := []any{f.Since.UTC()}

	if f.ActorID != "" {
		args = append(args, f.ActorID)
		conditions = append(conditions, fmt.Sprintf("actor_user_id = $%d", len(args)))
	}
	if f.EventType != "" {
		args = append(args, string(f.EventType))
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", len(args)))
	}

	var count int
	query := "SELECT COUNT(*) FROM audit_events WHERE " + strings.Join(conditions, " AND ")
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent events: %w", err)
	}
	return count, nil
}

func (s *Store) DistinctIPsByActor(ctx context.Context, since time.Time) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_user_id, array_agg(DISTINCT actor_ip ORDER BY actor_ip)
		FROM audit_events
		WHERE ts >= $1 AND actor_ip IS NOT NULL
		GROUP BY actor_user_id
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("group actor IPs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var actorID string
		var ips pq.StringArray
		if err := rows.Scan(&actorID, &ips); err != nil {
			return nil, fmt.Errorf("scan actor IPs: %w", err)
		}
		out[actorID] = []string(ips)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actor IPs: %w", err)
	}
	return out, nil
}

func (s *Store) ListChain(ctx context.Context, max int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		ORDER BY seq ASC
		LIMIT $1
	`, max)
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) ListExpired(ctx context.Context, cutoff time.Time, max int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE ts <= $1
		ORDER BY ts ASC, seq ASC
		LIMIT $2
	`, cutoff.UTC(), max)
	if err != nil {
		return nil, fmt.Errorf("list expired events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_events WHERE ts <= $1", cutoff.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count expired events: %w", err)
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildFilter(f store.Filter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.ActorID != "" {
		add("actor_user_id = $%d", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Start != nil {
		add("ts >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("ts <= $%d", f.End.UTC())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*audit.Event, error) {
	var (
		ev                               audit.Event
		role, ip                         sql.NullString
		resourceType, resourceID, branch sql.NullString
		metadata                         []byte
		eventType, action, outcome       string
	)

	err := row.Scan(
		&ev.AuditID,
		&ev.EventID,
		&eventType,
		&ev.Actor.UserID,
		&ev.Actor.Username,
		&role,
		&ip,
		&resourceType,
		&resourceID,
		&branch,
		&action,
		&outcome,
		&metadata,
		&ev.Timestamp,
		&ev.PHIAccessed,
		&ev.Integrity.Hash,
		&ev.Integrity.PreviousHash,
	)
	if err != nil {
		return nil, err
	}

	ev.EventType = audit.EventType(eventType)
	ev.Action = audit.Action(action)
	ev.Outcome = audit.Outcome(outcome)
	ev.Actor.Role = role.String
	ev.Actor.IPAddress = ip.String
	ev.Timestamp = ev.Timestamp.UTC()

	if resourceType.Valid {
		ev.Resource = &audit.Resource{
			ResourceType: resourceType.String,
			ResourceID:   resourceID.String,
			BranchID:     branch.String,
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", ev.AuditID, err)
		}
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
