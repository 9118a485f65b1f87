// Package auth resolves the caller of an HTTP request to a participant
// identity. Tokens are HS256 JWTs whose subject is the participant's hex
// identity; the "operator" role grants operator rights.
package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/energy-market/internal/model"
)

// RoleOperator marks a token allowed to initialize the ledger and run
// clearing passes.
const RoleOperator = "operator"

var ErrInvalidToken = errors.New("auth: invalid token")

// Claims carries the participant identity in the registered subject.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims include role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Identity parses the subject as a participant identity.
func (c *Claims) Identity() (model.Identity, error) {
	return model.ParseIdentity(c.Subject)
}

func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueJWT signs a token for id. Used by tooling and tests.
func IssueJWT(id model.Identity, roles []string, issuedAt time.Time, ttl time.Duration, secret []byte) (string, error) {
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
