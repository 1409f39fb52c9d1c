package tokens

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ledgerbackend/clients"
)

const (
	authEventClaim = "authentication_event_id"
	// FallbackTokenLifetime is assumed when neither the token endpoint nor the
	// token itself says when it expires
	FallbackTokenLifetime = 5 * time.Minute
)

// NewTokenSet builds a token set from a token endpoint response. The reported
// expiry wins; a missing one falls back to the JWT exp claim and then to
// FallbackTokenLifetime from now.
func NewTokenSet(response *clients.AccountingTokens, now time.Time) *TokenSet {
	tokens := &TokenSet{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		ExpiresAt:    response.ExpiresAt.UTC(),
	}

	if claims, ok := sniffClaims(response.AccessToken); ok {
		if tokens.ExpiresAt.IsZero() && !claims.expiresAt.IsZero() {
			tokens.ExpiresAt = claims.expiresAt
		}
		tokens.AuthEventID = claims.authEventID
	}
	if tokens.ExpiresAt.IsZero() {
		tokens.ExpiresAt = now.Add(FallbackTokenLifetime).UTC()
	}
	return tokens
}

func (m *Manager) tokenSetFromResponse(refreshed *clients.AccountingTokens) *TokenSet {
	return NewTokenSet(refreshed, m.now())
}

type tokenClaims struct {
	expiresAt   time.Time
	authEventID *string
}

// sniffClaims decodes the access token without verifying it. Opaque tokens
// and anything that fails to parse report false.
func sniffClaims(accessToken string) (tokenClaims, bool) {
	if strings.Count(accessToken, ".") != 2 {
		return tokenClaims{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return tokenClaims{}, false
	}

	var result tokenClaims
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.expiresAt = exp.Time.UTC()
	}
	if value, ok := claims[authEventClaim].(string); ok && value != "" {
		result.authEventID = &value
	}
	return result, true
}
