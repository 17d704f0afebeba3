package service

import (
	"context"
	"testing"

	"polychat-go/internal/repository"
	"polychat-go/internal/testutil"
	"polychat-go/pkg/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T) UserService {
	t.Helper()
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	return NewUserService(repository.NewUserRepository(db), token.NewJWTManager("secret", 1, 1), rdb)
}

func TestUserService_RegisterLoginLogout(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "  alice ", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEqual(t, "hunter22", u.Password)

	_, err = svc.Register(ctx, "alice", "another1")
	assert.ErrorIs(t, err, ErrClientInput)
	_, err = svc.Register(ctx, "bob", "short")
	assert.ErrorIs(t, err, ErrClientInput)

	_, _, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrUnauthorized)

	access, refresh, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	revoked, err := svc.IsTokenRevoked(ctx, access)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, svc.Logout(ctx, access))
	revoked, err = svc.IsTokenRevoked(ctx, access)
	require.NoError(t, err)
	assert.True(t, revoked)

	// 登出 access token 不影响 refresh token
	newAccess, newRefresh, err := svc.RefreshToken(ctx, refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, newAccess)
	assert.NotEmpty(t, newRefresh)

	_, _, err = svc.RefreshToken(ctx, newAccess)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
