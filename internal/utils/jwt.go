package utils // package utils provides helpers for minting access tokens

import (
    "errors" // sentinel errors for invalid token input
    "time"   // time utilities for generating expirations

    "github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// ErrIdentityRequired is returned when a token would lack a tenant or user.
var ErrIdentityRequired = errors.New("tenant_id and user_id are required")

// AccessToken represents a signed JWT access token along with its expiry.
type AccessToken struct {
    Token string    // the serialized JWT string
    Exp   time.Time // the UTC expiration time
}

// Identity is what the API's JWT middleware reads from a token.
type Identity struct {
    TenantID string
    UserID   uint64
    Role     string // optional; "ops" unlocks the operational endpoints
}

// NewAccessToken builds and signs an HS256 JWT carrying sub, tenant_id,
// role, exp and iat.  Operators use it to mint tokens for testing and
// tooling; end-user tokens come from the identity provider.
func NewAccessToken(secret string, id Identity, ttl time.Duration) (AccessToken, error) {
    if id.TenantID == "" || id.UserID == 0 {
        return AccessToken{}, ErrIdentityRequired
    }
    now := time.Now().UTC()
    exp := now.Add(ttl)
    claims := jwt.MapClaims{
        "sub":       id.UserID,
        "tenant_id": id.TenantID,
        "exp":       exp.Unix(),
        "iat":       now.Unix(),
    }
    if id.Role != "" {
        claims["role"] = id.Role
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}
