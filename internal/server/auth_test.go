package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-session-secret")

func testToken(t *testing.T, secret []byte, userID string, expiresIn time.Duration) string {
	t.Helper()
	token, err := issueSessionToken(secret, userID, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	})
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return token
}

// TestVerifySessionToken verifies a well-formed token resolves to its
// subject user id.
func TestVerifySessionToken(t *testing.T) {
	token := testToken(t, testSecret, "u1", time.Hour)
	userID, err := verifySessionToken(testSecret, token)
	if err != nil {
		t.Fatalf("verifySessionToken failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("expected subject u1, got %q", userID)
	}
}

// TestVerifySessionTokenRejections covers the rejection paths: missing
// token, wrong secret, expired token, missing expiry, empty subject, and
// an unconfigured secret.
func TestVerifySessionTokenRejections(t *testing.T) {
	if _, err := verifySessionToken(testSecret, ""); err == nil {
		t.Error("empty token must be rejected")
	}

	if _, err := verifySessionToken(nil, testToken(t, testSecret, "u1", time.Hour)); err == nil {
		t.Error("unconfigured secret must be rejected")
	}

	forged := testToken(t, []byte("other-secret"), "u1", time.Hour)
	if _, err := verifySessionToken(testSecret, forged); err == nil {
		t.Error("token signed with a different secret must be rejected")
	}

	expired := testToken(t, testSecret, "u1", -time.Minute)
	if _, err := verifySessionToken(testSecret, expired); err == nil {
		t.Error("expired token must be rejected")
	}

	noExpiry, err := issueSessionToken(testSecret, "u1", sessionClaims{})
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	if _, err := verifySessionToken(testSecret, noExpiry); err == nil {
		t.Error("token without expiry must be rejected")
	}

	anonymous := testToken(t, testSecret, "", time.Hour)
	if _, err := verifySessionToken(testSecret, anonymous); err == nil {
		t.Error("token without a subject must be rejected")
	}
}

// TestVerifySessionTokenRejectsNonHMAC verifies tokens declaring a
// non-HMAC algorithm never reach signature verification.
func TestVerifySessionTokenRejectsNonHMAC(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}
	if _, err := verifySessionToken(testSecret, unsigned); err == nil {
		t.Error("alg=none token must be rejected")
	}
}
