package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every bearer-token failure. Deliberately unspecific.
var ErrInvalidToken = errors.New("httpapi: invalid token")

// Role is the caller's access level carried in the bearer token.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	// RolePlatformAdmin is the operator role with cross-company access.
	RolePlatformAdmin Role = "platform_admin"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleMember, RoleAdmin, RoleOwner, RolePlatformAdmin:
		return true
	default:
		return false
	}
}

// CanManageLifecycle reports whether the role may initiate or cancel
// closure and suspension workflows.
func (r Role) CanManageLifecycle() bool {
	return r == RoleAdmin || r == RoleOwner || r == RolePlatformAdmin
}

// Claims is the verified identity attached to a request.
type Claims struct {
	UserID string
	Role   Role
}

// TokenVerifier validates HMAC-signed bearer tokens.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Claims{}, ErrInvalidToken
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: userID, Role: Role(roleStr)}, nil
}

// Issue signs a token for the given identity. Used by the test fixtures and
// operator tooling; the API itself does not mint tokens.
func (v *TokenVerifier) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(ttl).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("httpapi: sign token: %w", err)
	}
	return signed, nil
}

type claimsKey struct{}

// ClaimsFrom returns the verified claims stored on the request context.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// requireAuth rejects requests without a valid bearer token and attaches the
// claims to the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireLifecycleRole gates the workflow mutation endpoints to admin-level
// callers.
func (s *Server) requireLifecycleRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.Role.CanManageLifecycle() {
			respondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
