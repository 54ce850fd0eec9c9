// Package auth issues and verifies the bearer tokens used by organizers and
// participants, and decides what a principal may touch.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal sources.
const (
	SourceJWT    = "jwt"
	SourceAPIKey = "api_key"
	SourceHeader = "dev_header"
)

// Principal is the authenticated caller. Organizers carry Admin; participants
// carry their own id as ActorID and the events they joined.
type Principal struct {
	ActorID string
	Admin   bool
	Events  []string
	Source  string
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// RequireAdmin allows organizers only.
func (p Principal) RequireAdmin() error {
	if p.Admin {
		return nil
	}
	return ForbiddenError{Permission: "admin"}
}

// RequireEvent allows organizers and participants of eventID.
func (p Principal) RequireEvent(eventID string) error {
	if p.Admin || slices.Contains(p.Events, eventID) {
		return nil
	}
	return ForbiddenError{Permission: "event:" + eventID}
}

// RequireParticipant allows organizers and the participant itself.
func (p Principal) RequireParticipant(eventID, participantID string) error {
	if p.Admin {
		return nil
	}
	if p.ActorID == participantID && slices.Contains(p.Events, eventID) {
		return nil
	}
	return ForbiddenError{Permission: "participant:" + participantID}
}

type Claims struct {
	jwt.RegisteredClaims
	Admin  bool     `json:"admin,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

const issuerName = "kople"

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a token for p. A zero TTL yields a token without expiry.
func (i Issuer) Issue(p Principal) (string, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if p.ActorID == "" {
		return "", errors.New("subject required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ActorID,
			Issuer:   issuerName,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Admin:  p.Admin,
		Events: p.Events,
	}
	if i.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.TTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
}

// Parse verifies token and returns its principal.
func (i Issuer) Parse(token string) (Principal, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID: claims.Subject,
		Admin:   claims.Admin,
		Events:  claims.Events,
		Source:  SourceJWT,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
