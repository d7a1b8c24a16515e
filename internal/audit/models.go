// Package audit defines the event vocabulary shared by every component of the
// audit trail: the closed type/action/outcome enumerations, the immutable
// ledger event, and ingestion request validation.
package audit

import (
	"time"

	dErrors "rcm-audit/pkg/domain-errors"
)

// EventType classifies what happened. The set is closed: ingestion rejects
// anything outside it so downstream consumers can match exhaustively.
type EventType string

const (
	EventClaimCreated      EventType = "CLAIM_CREATED"
	EventClaimValidated    EventType = "CLAIM_VALIDATED"
	EventClaimSubmitted    EventType = "CLAIM_SUBMITTED"
	EventClaimApproved     EventType = "CLAIM_APPROVED"
	EventClaimDenied       EventType = "CLAIM_DENIED"
	EventUserLogin         EventType = "USER_LOGIN"
	EventUserLogout        EventType = "USER_LOGOUT"
	EventPermissionChanged EventType = "PERMISSION_CHANGED"
	EventDataAccessed      EventType = "DATA_ACCESSED"
	EventDataModified      EventType = "DATA_MODIFIED"
	EventDataExported      EventType = "DATA_EXPORTED"
	EventSystemError       EventType = "SYSTEM_ERROR"
)

var eventTypes = map[EventType]struct{}{
	EventClaimCreated:      {},
	EventClaimValidated:    {},
	EventClaimSubmitted:    {},
	EventClaimApproved:     {},
	EventClaimDenied:       {},
	EventUserLogin:         {},
	EventUserLogout:        {},
	EventPermissionChanged: {},
	EventDataAccessed:      {},
	EventDataModified:      {},
	EventDataExported:      {},
	EventSystemError:       {},
}

// Valid reports whether t is part of the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Action is the CRUD-style verb the actor performed.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute:
		return true
	}
	return false
}

// Outcome records whether the audited operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomePartial Outcome = "PARTIAL"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Actor is who performed the audited action.
type Actor struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Resource is what was acted upon. Optional: login events carry none.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	BranchID     string `json:"branchId,omitempty"`
}

// Integrity is the hash-chain link: this event's digest and the digest of the
// event immediately preceding it in write order.
type Integrity struct {
	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash"`
}

// phiResourceTypes are the resource types whose access constitutes PHI access
// under HIPAA. Events touching them are flagged and logged at warn level.
var phiResourceTypes = map[string]struct{}{
	"Patient":   {},
	"Claim":     {},
	"Rejection": {},
}

// IsPHIResource reports whether the resource type is in the sensitive set.
func IsPHIResource(resourceType string) bool {
	_, ok := phiResourceTypes[resourceType]
	return ok
}

// Event is one immutable ledger record. Once appended it is never updated or
// deleted; the only lifecycle transition is eventual archival per retention.
type Event struct {
	AuditID     string         `json:"auditId"`
	EventID     string         `json:"eventId"`
	EventType   EventType      `json:"eventType"`
	Actor       Actor          `json:"actor"`
	Resource    *Resource      `json:"resource,omitempty"`
	Action      Action         `json:"action"`
	Outcome     Outcome        `json:"outcome"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	PHIAccessed bool           `json:"phiAccessed"`
	Integrity   Integrity      `json:"integrity"`
}

// Request is a caller's submission before ids, timestamps, and integrity are
// assigned. Metadata is opaque to the ledger and never interpreted.
type Request struct {
	EventType EventType      `json:"eventType"`
	Actor     Actor          `json:"actor"`
	Resource  *Resource      `json:"resource,omitempty"`
	Action    Action         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Validate enforces the closed enumerations and required actor fields.
func (r Request) Validate() error {
	if !r.EventType.Valid() {
		return dErrors.Newf(dErrors.CodeSchema, "unknown eventType %q", string(r.EventType))
	}
	if !r.Action.Valid() {
		return dErrors.Newf(dErrors.CodeSchema, "unknown action %q", string(r.Action))
	}
	if !r.Outcome.Valid() {
		return dErrors.Newf(dErrors.CodeSchema, "unknown outcome %q", string(r.Outcome))
	}
	if r.Actor.UserID == "" {
		return dErrors.New(dErrors.CodeSchema, "actor.userId is required")
	}
	if r.Actor.Username == "" {
		return dErrors.New(dErrors.CodeSchema, "actor.username is required")
	}
	if r.Resource != nil {
		if r.Resource.ResourceType == "" {
			return dErrors.New(dErrors.CodeSchema, "resource.resourceType is required when resource is present")
		}
		if r.Resource.ResourceID == "" {
			return dErrors.New(dErrors.CodeSchema, "resource.resourceId is required when resource is present")
		}
	}
	return nil
}

// Receipt is returned to the caller after a durable append.
type Receipt struct {
	AuditID   string    `json:"auditId"`
	EventID   string    `json:"eventId"`
	Logged    bool      `json:"logged"`
	Timestamp time.Time `json:"timestamp"`
	Integrity Integrity `json:"integrity"`
}

// Finding is one suspicious-activity report produced by the anomaly scanner.
// Findings are derived on demand, not chained or persisted as ledger entries.
type Finding struct {
	Type        FindingType `json:"type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Count       int         `json:"count"`
	ActorID     string      `json:"actorId,omitempty"`
	IPCount     int         `json:"ipCount,omitempty"`
}

// FindingType identifies the heuristic that fired.
type FindingType string

const (
	FindingFailedLogins FindingType = "MULTIPLE_FAILED_LOGINS"
	FindingExports      FindingType = "EXCESSIVE_EXPORTS"
	FindingMultiIP      FindingType = "MULTIPLE_IP_ADDRESSES"
)

// Severity grades a finding for alert routing.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)
