package tokens

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Pair is what the relay holds for one principal. Either token may be empty.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Store keeps backend credentials per relay principal.
type Store interface {
	Get(ctx context.Context, principal string) (Pair, error)
	SaveAccess(ctx context.Context, principal, accessToken string) error
	// SaveRefresh stores the refresh token for expiresIn seconds, or for the
	// store default when expiresIn is not positive.
	SaveRefresh(ctx context.Context, principal, refreshToken string, expiresIn int) error
	Clear(ctx context.Context, principal string) error
}

// AccessTTL caps maxTTL at the token's own expiry when the token is a JWT
// carrying exp. A token that has already expired gets zero.
func AccessTTL(accessToken string, now time.Time, maxTTL time.Duration) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return maxTTL
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return maxTTL
	}

	remaining := exp.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining < maxTTL {
		return remaining
	}
	return maxTTL
}

func refreshTTL(expiresIn int, fallback time.Duration) time.Duration {
	if expiresIn > 0 {
		return time.Duration(expiresIn) * time.Second
	}
	return fallback
}
