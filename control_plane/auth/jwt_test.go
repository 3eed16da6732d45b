package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestRejectsWeakSecret(t *testing.T) {
	_, err := NewVerifier("short")
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestIssueAndValidate(t *testing.T) {
	v, err := NewVerifier(secret)
	require.NoError(t, err)

	tok, err := v.Issue("alice", "operator", time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestValidateRejectsTamperedAndExpired(t *testing.T) {
	v, err := NewVerifier(secret)
	require.NoError(t, err)

	other, err := NewVerifier("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	forged, err := other.Issue("mallory", "admin", time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(forged)
	assert.Error(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }
	tok, err := v.Issue("alice", "operator", time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = v.Validate(tok)
	assert.Error(t, err)

	_, err = v.Validate("not.a.token")
	assert.Error(t, err)
}
