// Package chain computes and guards the tamper-evident hash chain linking
// every ledger event to its predecessor.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rcm-audit/internal/audit"
	"rcm-audit/pkg/platform/sentinel"
)

// Genesis is the previousHash sentinel for the very first event in the chain.
const Genesis = "genesis"

// hashPrefix tags digests with the algorithm that produced them.
const hashPrefix = "sha256:"

// ComputeHash derives the chain digest for an event given its predecessor's
// hash. It is a pure function: identical event data and previousHash always
// produce the same digest. The event's own Integrity field is excluded from
// the canonical form.
func ComputeHash(ev audit.Event, previousHash string) (string, error) {
	canonical, err := CanonicalBytes(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, []byte(previousHash)...))
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// CanonicalBytes produces the deterministic byte representation of an event's
// business fields. Maps marshal with sorted keys, timestamps are rendered in
// UTC at microsecond precision so a round trip through the store reproduces
// the exact same bytes.
func CanonicalBytes(ev audit.Event) ([]byte, error) {
	actor := map[string]any{
		"userId":   ev.Actor.UserID,
		"username": ev.Actor.Username,
	}
	if ev.Actor.Role != "" {
		actor["role"] = ev.Actor.Role
	}
	if ev.Actor.IPAddress != "" {
		actor["ipAddress"] = ev.Actor.IPAddress
	}

	payload := map[string]any{
		"auditId":     ev.AuditID,
		"eventId":     ev.EventID,
		"eventType":   string(ev.EventType),
		"actor":       actor,
		"action":      string(ev.Action),
		"outcome":     string(ev.Outcome),
		"phiAccessed": ev.PHIAccessed,
		"timestamp":   ev.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	if ev.Resource != nil {
		resource := map[string]any{
			"resourceType": ev.Resource.ResourceType,
			"resourceId":   ev.Resource.ResourceID,
		}
		if ev.Resource.BranchID != "" {
			resource["branchId"] = ev.Resource.BranchID
		}
		payload["resource"] = resource
	}
	if len(ev.Metadata) > 0 {
		payload["metadata"] = ev.Metadata
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %s: %w", ev.AuditID, err)
	}
	return b, nil
}

// TipSource supplies the most recently appended ledger record so the engine
// can recover the chain tip after a restart.
type TipSource interface {
	FindLatest(ctx context.Context) (*audit.Event, error)
}

// Engine owns the current chain tip. All appends are routed through a single
// lane: the tip is read and advanced under one lock, so two concurrent
// writers can never observe the same previousHash. Advancing only happens
// after the caller's append succeeds.
type Engine struct {
	mu     sync.Mutex
	source TipSource
	tip    string
	loaded bool
}

// NewEngine creates an engine that bootstraps its tip lazily from source.
func NewEngine(source TipSource) *Engine {
	return &Engine{source: source}
}

// Append executes fn with exclusive ownership of the current tip. fn receives
// the previousHash to chain against and returns the new tip once the event is
// durably persisted. If fn fails the tip does not advance.
//
// When the tip cannot be determined (store unreachable at bootstrap), Append
// fails with a wrapped sentinel.ErrUnavailable rather than silently starting
// a disconnected chain.
func (e *Engine) Append(ctx context.Context, fn func(previousHash string) (next string, err error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		tip, err := e.bootstrap(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap chain tip: %w", err)
		}
		e.tip = tip
		e.loaded = true
	}

	next, err := fn(e.tip)
	if err != nil {
		return err
	}
	e.tip = next
	return nil
}

// Tip returns the current tip, bootstrapping it if necessary.
func (e *Engine) Tip(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		tip, err := e.bootstrap(ctx)
		if err != nil {
			return "", fmt.Errorf("bootstrap chain tip: %w", err)
		}
		e.tip = tip
		e.loaded = true
	}
	return e.tip, nil
}

func (e *Engine) bootstrap(ctx context.Context) (string, error) {
	latest, err := e.source.FindLatest(ctx)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	return latest.Integrity.Hash, nil
}
