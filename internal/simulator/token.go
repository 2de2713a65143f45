// ABOUTME: HS256 JWT issue and verification for simulator clients
// ABOUTME: Maps bad or expired tokens to 4001 and missing roles to 4003

package simulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingRole  = errors.New("token lacks required role")
)

// RoleDispatcher is the role a token needs to receive the fleet feed.
const RoleDispatcher = "dispatcher"

// Claims is what the simulator reads from a token.
type Claims struct {
	Subject string
	Role    string
}

// Verifier signs and checks HS256 tokens with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier with the given secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify validates the token signature and expiry and returns its claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Claims{Subject: sub, Role: role}, nil
}

// Authorize verifies the token and requires the dispatcher role.
func (v *Verifier) Authorize(tokenString string) (Claims, error) {
	c, err := v.Verify(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if c.Role != RoleDispatcher {
		return c, fmt.Errorf("%w: %q", ErrMissingRole, RoleDispatcher)
	}
	return c, nil
}

// Issue creates a token for subject with the given role. A negative ttl
// yields an already expired token.
func (v *Verifier) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
