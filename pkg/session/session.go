package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Session represents a user's session for a specific organization.
type Session struct {
	Identity string
	Org      string
	Roles    []string
}

// New creates a session.
func New(identity, org string, roles ...string) *Session {
	return &Session{Identity: identity, Org: org, Roles: roles}
}

// Anonymous returns the session used for unauthenticated requests in
// optional-authentication mode.
func Anonymous() *Session {
	return &Session{}
}

// Authenticated reports whether the session belongs to a known identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.Identity != ""
}

// HasAnyRole checks whether the session has any of the given roles.
func (s *Session) HasAnyRole(roles ...string) bool {
	if s == nil {
		return false
	}
	for _, wanted := range roles {
		for _, role := range s.Roles {
			if role == wanted {
				return true
			}
		}
	}
	return false
}

// Claims returns the session turned into token claims. This is the inverse
// of FromClaims.
func (s *Session) Claims() jwt.MapClaims {
	roles := s.Roles
	if roles == nil {
		roles = []string{}
	}
	return jwt.MapClaims{
		"sub":   s.Identity,
		"org":   s.Org,
		"roles": roles,
	}
}

// FromClaims builds a session from verified token claims.
func FromClaims(claims jwt.MapClaims) (*Session, error) {
	identity, ok := claims["sub"].(string)
	if !ok || identity == "" {
		return nil, fmt.Errorf("token has no subject claim")
	}
	org, _ := claims["org"].(string)

	var roles []string
	switch raw := claims["roles"].(type) {
	case []interface{}:
		for _, v := range raw {
			if role, ok := v.(string); ok && role != "" {
				roles = append(roles, role)
			}
		}
	case []string:
		roles = append(roles, raw...)
	}

	return &Session{Identity: identity, Org: org, Roles: roles}, nil
}
