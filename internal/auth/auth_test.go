package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	m := NewManager(testSecret)

	raw, err := m.Issue("Registrar@State.edu", RoleInstitution)
	require.NoError(t, err)

	id, err := m.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "registrar@state.edu", id.Email)
	assert.Equal(t, RoleInstitution, id.Role)
	assert.False(t, id.IsAdmin())
}

func TestVerify_WrongSecret(t *testing.T) {
	raw, err := NewManager(testSecret).Issue("admin@credgate.io", RoleAdmin)
	require.NoError(t, err)

	_, err = NewManager("another-secret-another-secret-000").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	m := NewManager(testSecret)
	m.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	raw, err := m.Issue("admin@credgate.io", RoleAdmin)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsNoneAndUnknownRole(t *testing.T) {
	m := NewManager(testSecret)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Email:            "admin@credgate.io",
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	superuser := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:            "root@credgate.io",
		Role:             "superuser",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	raw, err = superuser.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Empty(t *testing.T) {
	_, err := NewManager(testSecret).Verify("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestCurrentUserEmail(t *testing.T) {
	_, ok := CurrentUserEmail(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{Email: "admin@credgate.io", Role: RoleAdmin})
	email, ok := CurrentUserEmail(ctx)
	assert.True(t, ok)
	assert.Equal(t, "admin@credgate.io", email)
}
