package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	principal, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", principal)
}

func TestVerify_Rejects(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	other, err := NewVerifier("another-secret-of-enough-length")
	require.NoError(t, err)
	foreign, err := other.Issue("user-42", time.Hour)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	v.now = func() time.Time { return past }
	expired, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)
	v.now = time.Now

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":    "",
		"garbage":  "not-a-token",
		"foreign":  foreign,
		"expired":  expired,
		"alg none": unsigned,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(raw)
			assert.True(t, apperr.Is(err, apperr.Unauthenticated), "got %v", err)
		})
	}
}

func TestIssue_Invalid(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Issue("", time.Hour)
	assert.True(t, apperr.Is(err, apperr.Invalid))
	_, err = v.Issue("u", 0)
	assert.True(t, apperr.Is(err, apperr.Invalid))

	_, err = NewVerifier("short")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)

	tok, ok = BearerToken("bearer   xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	_, ok = BearerToken("Basic Zm9v")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}
