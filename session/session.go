// Package session defines the normalized auth session and its persistence.
// A session is built from an identity-provider token response, carries the
// identity and roles decoded from the access token, and is the single
// source of truth for "is this process authenticated".
package session

import "time"

const (
	// ExpiryBuffer is subtracted from the session expiry when deciding
	// whether a token is still usable. It guards against presenting a
	// token that expires while a request is in flight.
	ExpiryBuffer = time.Minute

	// DefaultExpiringSoonThreshold is the window in which a proactive
	// refresh is worth attempting.
	DefaultExpiringSoonThreshold = 5 * time.Minute
)

// User is the identity derived from the access token claims. It is never
// populated from any other source.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Session is the canonical persisted and in-memory auth session.
//
// User and Roles are derived exclusively from the access token payload at
// the moment the session is built; they are never mutated independently.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	// ExpiresAt is the access token expiry as epoch milliseconds.
	ExpiresAt int64    `json:"expires_at"`
	User      *User    `json:"user,omitempty"`
	Roles     []string `json:"roles"`
}

// Valid reports whether s is structurally usable: non-nil, a non-empty
// access token, and a roles slice (possibly empty). It is the check used to
// reject corrupted or foreign persisted data.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && s.Roles != nil
}

// IsExpired reports whether the session is unusable: nil, or within
// ExpiryBuffer of its expiry.
func IsExpired(s *Session) bool {
	if s == nil {
		return true
	}
	return time.Now().UnixMilli() >= s.ExpiresAt-ExpiryBuffer.Milliseconds()
}

// IsExpiringSoon reports whether the session is within threshold of its
// expiry. A zero threshold selects DefaultExpiringSoonThreshold. A nil
// session is always expiring soon.
func IsExpiringSoon(s *Session, threshold time.Duration) bool {
	if s == nil {
		return true
	}
	if threshold == 0 {
		threshold = DefaultExpiringSoonThreshold
	}
	return time.Now().UnixMilli() >= s.ExpiresAt-threshold.Milliseconds()
}
