// Package memory holds an in-memory ledger used by unit tests and local
// development. It mirrors the postgres store's semantics, including insertion
// order and duplicate-id conflicts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/store"
	"rcm-audit/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
	byID   map[string]struct{}

	// failAppends simulates a store outage for tests.
	failAppends error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]struct{})}
}

// FailAppends makes every subsequent Append (and Ping) return err.
// Pass nil to restore normal operation.
func (s *InMemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = err
}

func (s *InMemoryStore) Append(_ context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends != nil {
		return s.failAppends
	}
	if _, dup := s.byID[ev.AuditID]; dup {
		return sentinel.ErrConflict
	}
	if _, dup := s.byID[ev.EventID]; dup {
		return sentinel.ErrConflict
	}

	s.byID[ev.AuditID] = struct{}{}
	s.byID[ev.EventID] = struct{}{}
	s.events = append(s.events, *ev)
	return nil
}

func (s *InMemoryStore) FindLatest(_ context.Context) (*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return nil, sentinel.ErrNotFound
	}
	ev := s.events[len(s.events)-1]
	return &ev, nil
}

func (s *InMemoryStore) Query(_ context.Context, f store.Filter, page, limit int) ([]audit.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Event
	for _, ev := range s.events {
		if matches(ev, f) {
			matched = append(matched, ev)
		}
	}

	// Newest first; ties break on insertion order, which the stable sort keeps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []audit.Event{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return append([]audit.Event{}, matched[start:end]...), total, nil
}

func (s *InMemoryStore) FindByResource(_ context.Context, resourceType, resourceID string, max int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Event
	for _, ev := range s.events {
		if ev.Resource != nil && ev.Resource.ResourceType == resourceType && ev.Resource.ResourceID == resourceID {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if len(matched) > max {
		matched = matched[:max]
	}
	return matched, nil
}

func (s *InMemoryStore) CountRecent(_ context.Context, f store.CountFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.Timestamp.Before(f.Since) {
			continue
		}
		if f.ActorID != "" && ev.Actor.UserID != f.ActorID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Outcome != "" && ev.Outcome != f.Outcome {
			continue
		}
		count++
	}
	return count, nil
}

func (s *InMemoryStore) DistinctIPsByActor(_ context.Context, since time.Time) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets := make(map[string]map[string]struct{})
	for _, ev := range s.events {
		if ev.Timestamp.Before(since) || ev.Actor.IPAddress == "" {
			continue
		}
		set, ok := sets[ev.Actor.UserID]
		if !ok {
			set = make(map[string]struct{})
			sets[ev.Actor.UserID] = set
		}
		set[ev.Actor.IPAddress] = struct{}{}
	}

	out := make(map[string][]string, len(sets))
	for actor, set := range sets {
		ips := make([]string, 0, len(set))
		for ip := range set {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		out[actor] = ips
	}
	return out, nil
}

func (s *InMemoryStore) ListChain(_ context.Context, max int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if n > max {
		n = max
	}
	return append([]audit.Event{}, s.events[:n]...), nil
}

func (s *InMemoryStore) ListExpired(_ context.Context, cutoff time.Time, max int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []audit.Event
	for _, ev := range s.events {
		if !ev.Timestamp.After(cutoff) {
			expired = append(expired, ev)
			if len(expired) == max {
				break
			}
		}
	}
	return expired, nil
}

func (s *InMemoryStore) CountExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if !ev.Timestamp.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failAppends
}

func matches(ev audit.Event, f store.Filter) bool {
	if f.ActorID != "" && ev.Actor.UserID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && (ev.Resource == nil || ev.Resource.ResourceType != f.ResourceType) {
		return false
	}
	if f.ResourceID != "" && (ev.Resource == nil || ev.Resource.ResourceID != f.ResourceID) {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Start != nil && ev.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && ev.Timestamp.After(*f.End) {
		return false
	}
	return true
}
