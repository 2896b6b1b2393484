package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles, lowest to highest.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// User is the authenticated caller.
type User struct {
	Username      string
	Role          string
	AllNamespaces bool
	Namespaces    []string
}

// CanAccessNamespace reports whether the user may open sessions in ns.
func (u *User) CanAccessNamespace(ns string) bool {
	if u.Role == RoleAdmin || u.AllNamespaces {
		return true
	}
	for _, allowed := range u.Namespaces {
		if allowed == ns {
			return true
		}
	}
	return false
}

// RoleAtLeast reports whether role ranks at or above required.
func RoleAtLeast(role, required string) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role string) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// UserClaims are the JWT claims of a user access token.
type UserClaims struct {
	jwt.RegisteredClaims
	Role          string   `json:"role"`
	AllNamespaces bool     `json:"all_namespaces,omitempty"`
	Namespaces    []string `json:"namespaces,omitempty"`
}

// JWTIssuer creates and validates user access tokens.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a new JWT issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssueUserToken creates an access token for user.
func (j *JWTIssuer) IssueUserToken(user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "podrelay",
		},
		Role:          user.Role,
		AllNamespaces: user.AllNamespaces,
		Namespaces:    user.Namespaces,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateUserToken parses and validates a user access token.
func (j *JWTIssuer) ValidateUserToken(tokenStr string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims: missing subject")
	}

	return &User{
		Username:      claims.Subject,
		Role:          claims.Role,
		AllNamespaces: claims.AllNamespaces,
		Namespaces:    claims.Namespaces,
	}, nil
}
