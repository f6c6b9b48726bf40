package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("root").HasPermission(RoleViewer))
}

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestJWTService_RoundTrip(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{SecretKey: "s3cret"})
	require.NoError(t, err)

	token, err := svc.GenerateToken("u-1", "ana", RoleOperator)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "geotask", claims.Issuer)

	_, err = svc.GenerateToken("u-1", "ana", Role("root"))
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestJWTService_Rejects(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{SecretKey: "s3cret", TokenExpiry: time.Minute})
	require.NoError(t, err)
	other, err := NewJWTService(JWTConfig{SecretKey: "other"})
	require.NoError(t, err)

	foreign, err := other.GenerateToken("u-1", "", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := svc.GenerateToken("u-1", "", RoleViewer)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAPIKeyInfo_Claims(t *testing.T) {
	info := APIKeyInfo{Name: "ci", OwnerID: "svc", Role: RoleViewer}
	c := info.Claims()
	assert.Equal(t, "svc", c.UserID())
	assert.Equal(t, RoleViewer, c.Role)
	assert.Len(t, hashKey("gt_abc"), 64)
}
