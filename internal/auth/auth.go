// Package auth verifies the bearer credential presented once at connection
// establishment. A credential names a principal and its role; the gateway
// and the HTTP API both authenticate through the same verifier.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by a credential. Messages are tagged with the author's
// role so the console can distinguish operator replies from player chat.
const (
	RoleAdmin  = "admin"
	RolePlayer = "player"
)

// ErrInvalidCredential is terminal: the gateway does not retry, the caller
// must obtain a fresh credential and establish a new connection.
var ErrInvalidCredential = errors.New("invalid or expired credential")

// Claims identifies an authenticated principal.
type Claims struct {
	PrincipalID string
	Role        string
}

// TokenVerifier is the narrow interface the gateway and HTTP middleware
// depend on. Defined here so neither needs the concrete JWT verifier.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens whose subject is the principal
// id and whose "role" claim is one of the known roles.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	if claims.Role != RoleAdmin && claims.Role != RolePlayer {
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredential, claims.Role)
	}
	return Claims{PrincipalID: claims.Subject, Role: claims.Role}, nil
}

// Sign issues a token for the given principal. Used by tests and by the
// platform's login service, which shares the signing secret.
func (v *JWTVerifier) Sign(principalID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
