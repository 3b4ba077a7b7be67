package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var errMissingIssuerSecret = errors.New("token issuer: signing secret required")

// TokenIssuerConfig configures the development token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints identity tokens in the same shape the external identity
// provider emits. It exists for local development and integration tests; the
// production deployment points the validator at the provider's secret instead.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// IssueIdentityToken produces a signed JWT for the supplied identity.
func (i *TokenIssuer) IssueIdentityToken(identity Identity) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingIssuerSecret
	}
	if identity.UserID == "" {
		return "", ErrMissingSessionSubject
	}

	now := i.clock().UTC()
	claims := SessionClaims{
		UserID:         identity.UserID,
		Role:           string(identity.Role),
		ReputationSeed: identity.ReputationSeed,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}
