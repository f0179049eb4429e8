// Package credstore persists bridge credentials across restarts. Storage is
// backend-pluggable: the OS keyring when available, with an encrypted-file
// fallback keyed off a machine fingerprint.
package credstore

import (
	"time"
)

// TokenSet is one OAuth credential: the bridge's own token for the upstream
// server, or a third-party provider token brokered by the server.
// AccessToken and TokenType are always present together; expiry is derivable
// from SavedAt+ExpiresIn or the absolute ExpiresAt.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// expirySkew treats tokens about to expire as already expired so a refresh
// happens before an in-flight call can race the deadline.
const expirySkew = 30 * time.Second

// ExpiryTime returns the absolute expiry, preferring ExpiresAt over the
// relative ExpiresIn. A zero time means the token never expires.
func (t *TokenSet) ExpiryTime() time.Time {
	if !t.ExpiresAt.IsZero() {
		return t.ExpiresAt
	}
	if t.ExpiresIn > 0 && !t.SavedAt.IsZero() {
		return t.SavedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// Expired reports whether the token is expired (or about to) at now.
func (t *TokenSet) Expired(now time.Time) bool {
	exp := t.ExpiryTime()
	if exp.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(exp)
}

// ClientRegistration is the bridge's OAuth client identity, obtained once
// via Dynamic Client Registration and reused across restarts.
type ClientRegistration struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	RedirectURIs  []string  `json:"redirect_uris,omitempty"`
	GrantTypes    []string  `json:"grant_types,omitempty"`
	ResponseTypes []string  `json:"response_types,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Credentials is the full persisted credential set.
type Credentials struct {
	Bridge       *TokenSet            `json:"bridge,omitempty"`
	Providers    map[string]*TokenSet `json:"providers,omitempty"`
	Registration *ClientRegistration  `json:"registration,omitempty"`
}
