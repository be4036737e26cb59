package pipeline

import (
	"net/http"
	"time"

	"github.com/upb/api-gatekeeper/models"
)

// DenyKind classifies why a request was rejected
type DenyKind string

const (
	KindNone            DenyKind = ""
	KindUnauthenticated DenyKind = "unauthenticated"
	KindRateLimited     DenyKind = "rate_limited"
	KindForbidden       DenyKind = "forbidden"
	KindInternal        DenyKind = "internal"
	KindCanceled        DenyKind = "canceled"
)

// Reasons recorded in audit records. They are never sent to clients.
const (
	ReasonTokenMissing     = "token_missing"
	ReasonTokenMalformed   = "token_malformed"
	ReasonTokenInvalid     = "token_invalid"
	ReasonTokenExpired     = "token_expired"
	ReasonRateLimited      = "rate_limited"
	ReasonPermissionDenied = "permission_denied"
	ReasonInternal         = "internal_error"
	ReasonCanceled         = "canceled"
	ReasonHandlerFailed    = "handler_failed"
)

// StatusClientClosedRequest is recorded when the caller went away mid-pipeline
const StatusClientClosedRequest = 499

// StatusCode returns the HTTP status a denial of this kind maps to
func (k DenyKind) StatusCode() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindForbidden:
		return http.StatusForbidden
	case KindCanceled:
		return StatusClientClosedRequest
	case KindNone:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Denial is what a stage returns to stop the pipeline
type Denial struct {
	Kind       DenyKind
	Reason     string
	RetryAfter time.Duration
	Err        error // internal detail, logged only
}

// Decision is the outcome of a gated request
type Decision struct {
	Allowed    bool
	Kind       DenyKind
	Reason     string
	RetryAfter time.Duration
	Remaining  float64
	Identity   *models.Identity
	Err        error // cause of a denial, never sent to the client

	// Set by Run once the handler has executed
	Status     int
	HandlerErr error
}

// Allow builds an allowing decision
func Allow(identity *models.Identity, remaining float64) Decision {
	return Decision{Allowed: true, Identity: identity, Remaining: remaining}
}

// Deny builds a denying decision from a stage denial
func Deny(d *Denial, identity *models.Identity) Decision {
	return Decision{
		Kind:       d.Kind,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfter,
		Identity:   identity,
		Err:        d.Err,
	}
}

// Outcome returns the audit outcome for the decision
func (d Decision) Outcome() models.AuditOutcome {
	if d.Allowed {
		return models.AuditOutcomeAllowed
	}
	return models.AuditOutcomeDenied
}
