package models

import "time"

// Token is a signed, time-bounded identity token as issued.
// Raw is the compact encoding handed to clients; the server never stores it.
type Token struct {
	Raw       string    `json:"token"`
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Roles     []string  `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyID     string    `json:"-"`
}

// TTL returns the validity window of the token
func (t *Token) TTL() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}
