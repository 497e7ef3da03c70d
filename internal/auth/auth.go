// Package auth issues and verifies the bearer tokens that identify operators
// to the API. A token is an HS256 JWT whose subject is the actor id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/opsgate/internal/session"
)

const (
	Issuer       = "opsgate"
	MinSecretLen = 32
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims carries the operator identity.
type Claims struct {
	Label string `json:"label,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	clock  clockwork.Clock
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// NewService returns a Service signing with secret, which must be at least
// MinSecretLen bytes.
func NewService(secret string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth secret must be at least %d bytes", MinSecretLen)
	}
	s := &Service{secret: []byte(secret), clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Issue signs a token for actor valid for ttl.
func (s *Service) Issue(actor session.Actor, ttl time.Duration) (string, time.Time, error) {
	if actor.ID == "" {
		return "", time.Time{}, errors.New("actor id is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token ttl must be positive")
	}
	now := s.clock.Now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := Claims{
		Label: actor.Label,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry and returns the actor.
func (s *Service) Verify(token string) (session.Actor, error) {
	if token == "" {
		return session.Actor{}, ErrMissingToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil || claims.Subject == "" {
		return session.Actor{}, ErrInvalidToken
	}
	a := session.Actor{ID: claims.Subject, Label: claims.Label}
	if a.Label == "" {
		a.Label = a.ID
	}
	return a, nil
}
