package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditOutcome is the terminal result of a gated request
type AuditOutcome string

const (
	AuditOutcomeAllowed AuditOutcome = "allowed"
	AuditOutcomeDenied  AuditOutcome = "denied"
)

// AnonymousSubject is recorded when no identity was established
const AnonymousSubject = "anonymous"

// AuditRecord is an append-only entry describing how one request ended.
// It is produced exactly once per request and never mutated after Record.
type AuditRecord struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	Timestamp  time.Time     `json:"timestamp" db:"timestamp"`
	RequestID  string        `json:"request_id" db:"request_id"`
	Subject    string        `json:"subject" db:"subject"`
	Route      string        `json:"route" db:"route"`
	Method     string        `json:"method" db:"method"`
	Outcome    AuditOutcome  `json:"outcome" db:"outcome"`
	DenyKind   string        `json:"deny_kind,omitempty" db:"deny_kind"`
	Reason     string        `json:"reason,omitempty" db:"reason"` // internal detail, never sent to clients
	Stage      string        `json:"stage" db:"stage"`             // last stage reached
	StatusCode int           `json:"status_code" db:"status_code"`
	Latency    time.Duration `json:"latency" db:"latency_ms"`
	ClientIP   string        `json:"client_ip" db:"client_ip"`
	UserAgent  string        `json:"user_agent" db:"user_agent"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_records"
}

// NewAuditRecord creates a new AuditRecord stamped at ts
func NewAuditRecord(ts time.Time, route, method string) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.New(),
		Timestamp: ts,
		Subject:   AnonymousSubject,
		Route:     route,
		Method:    method,
	}
}

// WithSubject sets the authenticated subject
func (a *AuditRecord) WithSubject(subject string) *AuditRecord {
	if subject != "" {
		a.Subject = subject
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditRecord) WithRequest(requestID, clientIP, userAgent string) *AuditRecord {
	a.RequestID = requestID
	a.ClientIP = clientIP
	a.UserAgent = userAgent
	return a
}

// Allow marks the record as allowed with the handler's status code
func (a *AuditRecord) Allow(statusCode int) *AuditRecord {
	a.Outcome = AuditOutcomeAllowed
	a.StatusCode = statusCode
	a.DenyKind = ""
	return a
}

// Deny marks the record as denied
func (a *AuditRecord) Deny(kind, reason string, statusCode int) *AuditRecord {
	a.Outcome = AuditOutcomeDenied
	a.DenyKind = kind
	a.Reason = reason
	a.StatusCode = statusCode
	return a
}

// LatencyMs returns the latency in whole milliseconds
func (a *AuditRecord) LatencyMs() int64 {
	return a.Latency.Milliseconds()
}
