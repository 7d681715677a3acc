package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	adminRole = "admin"

	// AdminSubjectKey is the fiber local holding the authenticated admin's subject.
	AdminSubjectKey = "admin_subject"
)

// AdminSubject returns the subject AdminAuth stored on c, or "" when the
// request was not authenticated.
func AdminSubject(c *fiber.Ctx) string {
	subject, _ := c.Locals(AdminSubjectKey).(string)
	return subject
}

// AdminClaims are the claims of an admin access token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SignAdminToken issues an HS256 admin token for subject valid for ttl.
func SignAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin jwt secret is empty")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AdminAuth validates HS256 bearer tokens carrying role=admin.
func AdminAuth(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])

		var claims AdminClaims
		if _, err := parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if claims.Role != adminRole {
			return fiber.NewError(http.StatusForbidden, "admin role required")
		}

		c.Locals(AdminSubjectKey, claims.Subject)
		return c.Next()
	}
}
