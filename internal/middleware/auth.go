package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"dermio/internal/config"
)

const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// IssueToken signs an HS256 token carrying the participant identity.
// Used by the CLI token command and by tests.
func IssueToken(cfg *config.Config, userID, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"iss":  "dermio",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(cfg.JWT.ExpiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWT.Secret))
}

// parseToken validates the signature and standard claims, returning identity.
func parseToken(cfg *config.Config, raw string) (userID, role string, err error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.JWT.Secret), nil
	})
	if err != nil {
		return "", "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", errors.New("token missing subject")
	}
	r, _ := claims["role"].(string)
	return sub, r, nil
}

// AuthMiddleware enforces a bearer token on protected routes and injects
// "user_id"/"role" into gin.Context. Websocket upgrades cannot set headers
// from browsers, so a "token" query parameter is accepted as fallback.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}

		userID, role, err := parseToken(cfg, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextRole, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return ""
	}
	return strings.TrimSpace(ah[len("Bearer "):])
}

// UserID returns the authenticated participant id from the context.
func UserID(c *gin.Context) string {
	v, _ := c.Get(ContextUserID)
	s, _ := v.(string)
	return s
}

// Role returns the authenticated participant role from the context.
func Role(c *gin.Context) string {
	v, _ := c.Get(ContextRole)
	s, _ := v.(string)
	return s
}
