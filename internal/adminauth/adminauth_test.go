package adminauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	token, err := Issue("secret", "alice", []string{"reload"}, time.Hour)
	require.NoError(t, err)

	v := NewVerifier("secret")
	claims, err := v.Verify("Bearer " + token)
	require.NoError(t, err)

	assert.Equal(t, "alice", claims.Operator)
	assert.True(t, claims.HasPermission("reload"))
	assert.False(t, claims.HasPermission("stream"))
}

func TestVerify_WildcardPermissionGrantsEverything(t *testing.T) {
	token, err := Issue("secret", "bob", []string{"*"}, time.Hour)
	require.NoError(t, err)

	claims, err := NewVerifier("secret").Verify("Bearer " + token)
	require.NoError(t, err)
	assert.True(t, claims.HasPermission("reload"))
	assert.True(t, claims.HasPermission("anything"))
}

func TestVerify_RejectsMissingBearerPrefix(t *testing.T) {
	token, _ := Issue("secret", "bob", nil, time.Hour)
	_, err := NewVerifier("secret").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	token, _ := Issue("secret", "bob", nil, time.Hour)
	_, err := NewVerifier("other-secret").Verify("Bearer " + token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	token, err := Issue("secret", "bob", nil, -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("secret").Verify("Bearer " + token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
