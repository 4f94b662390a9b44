package auth

import (
	"context"
	"errors"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims attaches verified claims to the context.
func WithClaims(ctx context.Context, claims contracts.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom retrieves the verified claims from the context.
func ClaimsFrom(ctx context.Context) (contracts.Claims, error) {
	claims, ok := ctx.Value(claimsKey).(contracts.Claims)
	if !ok {
		return contracts.Claims{}, errors.New("no claims in context")
	}
	return claims, nil
}
