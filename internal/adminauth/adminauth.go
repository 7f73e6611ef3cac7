// Package adminauth gates the admin-only endpoints (rule/list reload, the
// decision tail stream) behind a JWT bearer token. There is no end-user
// identity here — operators are issued a token out of band and this
// package only verifies it, adapted from the claims/verify half of the
// teacher's internal/auth/service.go with registration, login, and API-key
// issuance stripped out: this engine never signs a token, it only checks one.
package adminauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("adminauth: invalid token")
	ErrTokenExpired = errors.New("adminauth: token expired")
)

// Claims identifies the operator and what they're allowed to do. Perms is
// checked by callers that need finer granularity than "is an admin" (e.g.
// reload vs. read-only stream access); most deployments grant "*".
type Claims struct {
	Operator string   `json:"operator"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier from the configured admin JWT secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an "Authorization: Bearer <token>" header
// value, returning the embedded claims.
func (v *Verifier) Verify(authHeader string) (*Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, ErrInvalidToken
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("adminauth: unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HasPermission reports whether claims grants perm, treating "*" as a
// wildcard for every permission.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Perms {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// Issue mints a token for an operator. Exposed for the admin bootstrap CLI
// and tests; the running service never calls this on a request path.
func Issue(secret, operator string, perms []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Operator: operator,
		Perms:    perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
