package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateIssuer = "subscription-payments"

// StateTokens signs the order id into the redirect callback so the callback
// can be resolved without trusting query parameters.
type StateTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateTokens(secret string, ttl time.Duration) (*StateTokens, error) {
	if secret == "" {
		return nil, errors.New("state secret empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StateTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *StateTokens) Sign(orderID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Subject:   orderID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse returns the order id of a valid, unexpired token.
func (s *StateTokens) Parse(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tkn.Valid {
		return "", fmt.Errorf("invalid state token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("invalid state token: empty subject")
	}
	return claims.Subject, nil
}
