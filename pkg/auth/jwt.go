package auth

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

// ParseAndExtractAuthContext parses and verifies a JWT and returns the identity it carries.
// Tokens must be HMAC-signed with the shared secret and carry sub and tenant_id claims.
func ParseAndExtractAuthContext(tokenStr, secret string) (*Context, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.Wrap(errors.ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		return nil, errors.ErrInvalidToken
	}

	authCtx := &Context{
		UserID:    toString(claims["sub"]),
		TenantID:  toString(claims["tenant_id"]),
		Roles:     toStringSlice(claims["roles"]),
		JWTID:     toString(claims["jti"]),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: toTime(claims["exp"]),
		RawClaims: claims,
	}
	if authCtx.UserID == "" || authCtx.TenantID == "" {
		return nil, errors.Wrap(errors.ErrInvalidToken, "missing sub or tenant_id claim")
	}
	return authCtx, nil
}

// Helper to convert interface{} to string.
func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Helper to convert interface{} to []string.
func toStringSlice(v interface{}) []string {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	if arr, ok := v.([]string); ok {
		return arr
	}
	return nil
}

// Helper to convert JWT numeric date to time.Time.
func toTime(v interface{}) time.Time {
	if v == nil {
		return time.Time{}
	}
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	}
	return time.Time{}
}
