package services

import (
	"context"
	"testing"
	"time"

	"livecore/internal/core/domain"
	"livecore/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_TokenRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour, "")

	token, err := auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour, "")

	other, err := NewAuthService("other-secret", time.Hour, "").GenerateToken("user-1", "alice")
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewAuthService("test-secret", -time.Minute, "").GenerateToken("user-1", "alice")
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RequiresUserID(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour, "")

	token, err := auth.GenerateToken("", "nobody")
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_UserFromContext(t *testing.T) {
	anonymous := NewAuthService("test-secret", time.Hour, "")
	_, err := anonymous.UserFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	ctx := logger.ContextWithUser(context.Background(), "user-7")
	userID, err := anonymous.UserFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-7"), userID)

	agent := NewAuthService("test-secret", time.Hour, "studio")
	userID, err = agent.UserFromContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("studio"), userID)

	userID, err = agent.UserFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-7"), userID)
}
