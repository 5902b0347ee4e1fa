package utils

import (
    "testing"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestNewAccessToken_Claims(t *testing.T) {
    tok, err := NewAccessToken("s3cret", Identity{TenantID: "acme", UserID: 42, Role: "ops"}, time.Hour)
    require.NoError(t, err)
    assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Exp, 5*time.Second)

    parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil })
    require.NoError(t, err)
    claims := parsed.Claims.(jwt.MapClaims)
    assert.Equal(t, float64(42), claims["sub"])
    assert.Equal(t, "acme", claims["tenant_id"])
    assert.Equal(t, "ops", claims["role"])
}

func TestNewAccessToken_OmitsEmptyRole(t *testing.T) {
    tok, err := NewAccessToken("s3cret", Identity{TenantID: "acme", UserID: 1}, time.Minute)
    require.NoError(t, err)

    parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil })
    require.NoError(t, err)
    _, hasRole := parsed.Claims.(jwt.MapClaims)["role"]
    assert.False(t, hasRole)
}

func TestNewAccessToken_RequiresIdentity(t *testing.T) {
    _, err := NewAccessToken("s3cret", Identity{UserID: 1}, time.Minute)
    assert.ErrorIs(t, err, ErrIdentityRequired)

    _, err = NewAccessToken("s3cret", Identity{TenantID: "acme"}, time.Minute)
    assert.ErrorIs(t, err, ErrIdentityRequired)
}
