package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestParseAndExtractAuthContext(t *testing.T) {
	now := time.Now()
	tokenStr := signToken(t, testSecret, jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"roles":     []string{"agent"},
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	})

	authCtx, err := ParseAndExtractAuthContext(tokenStr, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", authCtx.UserID)
	assert.Equal(t, "tenant-1", authCtx.TenantID)
	assert.Equal(t, []string{"agent"}, authCtx.Roles)
	assert.WithinDuration(t, now.Add(time.Hour), authCtx.ExpiresAt, time.Second)
}

func TestParseAndExtractAuthContextErrors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		token    string
		secret   string
		sentinel error
	}{
		{
			name: "wrong secret",
			token: signToken(t, "other-secret", jwt.MapClaims{
				"sub": "user-1", "tenant_id": "tenant-1", "exp": now.Add(time.Hour).Unix(),
			}),
			secret:   testSecret,
			sentinel: errors.ErrInvalidToken,
		},
		{
			name: "expired",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1", "tenant_id": "tenant-1", "exp": now.Add(-time.Hour).Unix(),
			}),
			secret:   testSecret,
			sentinel: errors.ErrTokenExpired,
		},
		{
			name: "missing tenant claim",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1", "exp": now.Add(time.Hour).Unix(),
			}),
			secret:   testSecret,
			sentinel: errors.ErrInvalidToken,
		},
		{
			name:     "garbage token",
			token:    "not-a-jwt",
			secret:   testSecret,
			sentinel: errors.ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authCtx, err := ParseAndExtractAuthContext(tt.token, tt.secret)
			require.Error(t, err)
			assert.Nil(t, authCtx)
			assert.True(t, errors.Is(err, tt.sentinel), "expected %v in chain, got %v", tt.sentinel, err)
		})
	}
}

func TestHasRole(t *testing.T) {
	authCtx := &Context{Roles: []string{"agent", "ops"}}
	assert.True(t, HasRole(authCtx, "ops"))
	assert.False(t, HasRole(authCtx, "admin"))
	assert.False(t, HasRole(nil, "agent"))
}
