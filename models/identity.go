package models

import "time"

// Identity is the authenticated subject of a request and its role set.
// It is derived from a validated token and never changes during the request.
type Identity struct {
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AnonymousIdentity returns the identity used for routes that allow anonymous access
func AnonymousIdentity() *Identity {
	return &Identity{UserID: AnonymousSubject}
}

// IsAnonymous reports whether the identity was not established from a token
func (i *Identity) IsAnonymous() bool {
	return i == nil || i.UserID == AnonymousSubject
}
