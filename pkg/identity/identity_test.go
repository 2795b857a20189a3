package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	auth := NewJWT("test-secret", time.Hour)

	token, err := auth.IssueToken("user-1", "alice@example.com")
	require.NoError(t, err)

	id, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "alice@example.com", id.Email)
	assert.True(t, id.Active)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	auth := NewJWT("test-secret", time.Hour)

	_, err := auth.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWT("secret-a", time.Hour).IssueToken("user-1", "a@x.com")
	require.NoError(t, err)

	_, err = NewJWT("secret-b", time.Hour).Authenticate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	auth := NewJWT("test-secret", -time.Minute)
	token, err := auth.IssueToken("user-1", "a@x.com")
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
