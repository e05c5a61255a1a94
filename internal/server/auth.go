// Session token verification for the join command. Tokens are issued by
// the identity service and signed with a shared HMAC secret; the subject
// claim carries the claimed user id, which is then resolved against the
// identity store for the authoritative snapshot.
package server

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type sessionClaims struct {
	jwt.RegisteredClaims
}

// verifySessionToken validates the token signature and expiry and
// returns the user id it was issued for.
func verifySessionToken(secret []byte, tokenString string) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("session secret is not configured")
	}
	if tokenString == "" {
		return "", fmt.Errorf("missing session token")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.Subject, nil
}

// issueSessionToken signs a session token for the user. The identity
// service issues tokens in production; this is used by tooling and tests.
func issueSessionToken(secret []byte, userID string, claims sessionClaims) (string, error) {
	claims.Subject = userID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}
