package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rollcall/pkg/types"
)

// Claims is the JWT payload carried on the WebSocket handshake. The subject
// is the user ID; workspace scoping comes from the token, never from message
// payloads.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	Workspace string `json:"workspace"`
	jwt.RegisteredClaims
}

// Verify validates a handshake token and returns the identity it asserts.
// Only HS256 is accepted.
func Verify(tokenStr, key, issuer string) (types.Identity, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnexpectedSigningMethod
		}
		return []byte(key), nil
	})
	if err != nil {
		return types.Identity{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return types.Identity{}, ErrInvalidToken
	}
	if issuer != "" && claims.Issuer != issuer {
		return types.Identity{}, ErrIssuerMismatch
	}
	if claims.Subject == "" || claims.Workspace == "" {
		return types.Identity{}, ErrIncompleteClaims
	}
	return types.Identity{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		WorkspaceID: claims.Workspace,
	}, nil
}

// Sign issues a signed token for the identity, valid for ttl. The server only
// verifies tokens; signing exists for tooling and tests.
func Sign(identity types.Identity, key, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:     identity.Email,
		Role:      identity.Role,
		Workspace: identity.WorkspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
