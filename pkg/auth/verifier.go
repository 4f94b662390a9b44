// Package auth verifies bearer tokens and binds the resulting claim triple
// to the request context. Every scoped endpoint trusts only the claims
// placed here by the middleware.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// bearerClaims is the JWT payload carried by restore control tokens.
type bearerClaims struct {
	jwt.RegisteredClaims
	TenantID     string `json:"tenant_id"`
	InstanceID   string `json:"instance_id"`
	Source       string `json:"source"`
	ServiceScope string `json:"service_scope"`
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier builds a verifier. Issuer and audience are enforced when
// non-empty.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: empty signing secret")
	}
	return &Verifier{secret: secret, issuer: issuer, audience: audience, now: time.Now}, nil
}

// WithClock overrides the wall clock.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify parses and validates the token string and returns the verified
// claims. The tenant, instance and source bindings must all be present.
func (v *Verifier) Verify(tokenStr string) (contracts.Claims, error) {
	parsed := &bearerClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenStr, parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return contracts.Claims{}, fmt.Errorf("auth: token validation: %w", err)
	}
	if !token.Valid {
		return contracts.Claims{}, fmt.Errorf("auth: invalid token")
	}
	if parsed.Subject == "" {
		return contracts.Claims{}, fmt.Errorf("auth: token subject required")
	}
	if parsed.TenantID == "" || parsed.InstanceID == "" || parsed.Source == "" {
		return contracts.Claims{}, fmt.Errorf("auth: token scope binding incomplete")
	}

	claims := contracts.Claims{
		TenantID:     parsed.TenantID,
		InstanceID:   parsed.InstanceID,
		Source:       parsed.Source,
		ServiceScope: parsed.ServiceScope,
		TokenID:      parsed.ID,
		Issuer:       parsed.Issuer,
		Subject:      parsed.Subject,
	}
	if len(parsed.Audience) > 0 {
		claims.Audience = parsed.Audience[0]
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Unix()
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Unix()
	}
	return claims, nil
}

// Issue mints a token for the given claims, valid for ttl. Used by the dev
// tooling and the test suite; production tokens come from the auth control
// plane.
func (v *Verifier) Issue(claims contracts.Claims, ttl time.Duration) (string, error) {
	now := v.now()
	payload := &bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.TokenID,
			Issuer:    v.issuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:     claims.TenantID,
		InstanceID:   claims.InstanceID,
		Source:       claims.Source,
		ServiceScope: claims.ServiceScope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
