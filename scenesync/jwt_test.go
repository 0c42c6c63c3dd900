package scenesync

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func signTestToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestParseTokenClaims(t *testing.T) {
	expiry := time.Now().Add(1 * time.Hour).Unix()
	token := signTestToken(t, gojwt.MapClaims{
		"sub":  "alice",
		"exp":  expiry,
		"publ": []string{"realm/s/alice/lobby/#"},
		"subs": []string{"realm/s/alice/#"},
	})

	claims, err := ParseTokenClaimsUnverified(token)
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, expiry, claims.ExpiresAt.Unix())
	assert.Equal(t, []string{"realm/s/alice/lobby/#"}, claims.Publish)
	assert.Equal(t, []string{"realm/s/alice/#"}, claims.Subscribe)
	assert.Equal(t, false, claims.Expired(time.Now()))
	assert.Equal(t, true, claims.Expired(time.Now().Add(2*time.Hour)))
}

func TestParseTokenClaimsMissingPermissions(t *testing.T) {
	// a token without publish claims cannot establish a session
	token := signTestToken(t, gojwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	_, err := ParseTokenClaimsUnverified(token)
	assert.NotEqual(t, nil, err)
	authErr, ok := err.(*AuthError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "permissions not received", authErr.Message)
}

func TestParseTokenClaimsBadToken(t *testing.T) {
	_, err := ParseTokenClaimsUnverified("not-a-token")
	assert.NotEqual(t, nil, err)
	_, ok := err.(*AuthError)
	assert.Equal(t, true, ok)
}

func TestCanPublish(t *testing.T) {
	claims := &TokenClaims{
		Publish: []string{
			"realm/s/alice/lobby/#",
			"realm/s/shared/+/cam_1",
		},
	}

	assert.Equal(t, true, claims.CanPublish("realm/s/alice/lobby/c1/box1"))
	assert.Equal(t, true, claims.CanPublish("realm/s/alice/lobby/cam_1"))
	assert.Equal(t, false, claims.CanPublish("realm/s/bob/lobby/c1/box1"))

	// + matches exactly one segment
	assert.Equal(t, true, claims.CanPublish("realm/s/shared/lobby/cam_1"))
	assert.Equal(t, false, claims.CanPublish("realm/s/shared/lobby/extra/cam_1"))
}
