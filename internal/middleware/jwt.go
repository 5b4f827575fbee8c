package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour
)

type Claims struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// GenerateTokens issues an access/refresh pair for the single admin user.
func GenerateTokens(username, secret, displayName, role string) (access, refresh string, err error) {
	access, err = sign(username, secret, displayName, role, accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = sign(username, secret, displayName, role, refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func sign(username, secret, displayName, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Username:    username,
		DisplayName: displayName,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   true,
				"message": "Missing or malformed authorization",
			})
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})

		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   true,
				"message": "Invalid or expired token",
			})
		}

		c.Locals("username", claims.Username)
		c.Locals("display_name", claims.DisplayName)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}

// extractToken pulls the bearer token from the Authorization header, or
// from the token query parameter for WebSocket upgrades, which browsers
// cannot send custom headers on.
func extractToken(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if auth != "" {
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		if tokenStr != auth {
			return tokenStr
		}
		return ""
	}
	return c.Query("token")
}
