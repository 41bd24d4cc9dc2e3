package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token validation errors surfaced to the HTTP middleware.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AdminClaims is the JWT payload carried by admin API tokens.
type AdminClaims struct {
	AdminID  uint64 `json:"admin_id"` // Administrator record ID.
	Username string `json:"username"` // Administrator login name.
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an HS256 admin token valid for the given expiry.
func GenerateAdminToken(secret string, adminID uint64, username string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		AdminID:  adminID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates an admin token and returns its claims. Expired
// tokens map to ErrExpiredToken so the middleware can report them apart
// from tampered or garbage ones.
func ParseAdminToken(secret, tokenString string) (*AdminClaims, error) {
	token, errParse := jwt.ParseWithClaims(tokenString, &AdminClaims{}, hmacKeyfunc(secret))
	if errParse != nil {
		if errors.Is(errParse, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// hmacKeyfunc pins the signing method so tokens signed with any other
// algorithm never validate against the shared secret.
func hmacKeyfunc(secret string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}
}
