package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims are the access token claims issued by the TelHawk auth service.
type Claims struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Datasources []int64  `json:"datasources,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator verifies HS256 access tokens.
type TokenValidator struct {
	secret []byte
	issuer string
}

// NewTokenValidator creates a validator for tokens signed with secret.
// An empty issuer accepts any issuer.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses tokenString and returns the actor it names.
func (v *TokenValidator) Validate(tokenString string) (Actor, error) {
	if tokenString == "" {
		return Actor{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.UserID, Roles: claims.Roles, Datasources: claims.Datasources}, nil
}

// Issue signs a token for actor. Used by the CLI and tests.
func (v *TokenValidator) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      actor.ID,
		Roles:       actor.Roles,
		Datasources: actor.Datasources,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
