package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 60 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingActorClaim    = errors.New("actor claim must be provided")
	errMissingTenantClaim   = errors.New("tenant claim must be provided")
)

// Principal identifies an authenticated caller and the scope it may act in.
type Principal struct {
	ActorID    string
	ActorRole  string
	TenantID   string
	FacilityID string
	DeviceID   string
}

type principalClaims struct {
	TenantID   string `json:"tid"`
	FacilityID string `json:"fid"`
	ActorRole  string `json:"role"`
	DeviceID   string `json:"did"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates backend JWTs carrying tenant scope claims.
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
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed JWT and its expiry (seconds) for the principal.
func (i *TokenIssuer) IssueToken(_ context.Context, principal Principal) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if strings.TrimSpace(principal.ActorID) == "" {
		return "", 0, errMissingActorClaim
	}
	if strings.TrimSpace(principal.TenantID) == "" {
		return "", 0, errMissingTenantClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := principalClaims{
		TenantID:   principal.TenantID,
		FacilityID: principal.FacilityID,
		ActorRole:  principal.ActorRole,
		DeviceID:   principal.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ActorID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the backend JWT is well formed and returns the principal it carries.
func (i *TokenIssuer) ValidateToken(tokenString string) (Principal, error) {
	if len(i.config.SigningSecret) == 0 {
		return Principal{}, errMissingSigningSecret
	}

	claims := &principalClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errMissingActorClaim
	}
	if claims.TenantID == "" {
		return Principal{}, errMissingTenantClaim
	}
	return Principal{
		ActorID:    claims.Subject,
		ActorRole:  claims.ActorRole,
		TenantID:   claims.TenantID,
		FacilityID: claims.FacilityID,
		DeviceID:   claims.DeviceID,
	}, nil
}
