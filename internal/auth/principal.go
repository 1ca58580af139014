package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextUserKey = "auth.user_id"

var ErrUnauthenticated = errors.New("no authenticated principal")

// Resolver turns an incoming request into an authenticated principal. Which
// implementation is used is configuration, never a call-site decision.
type Resolver interface {
	Resolve(c *gin.Context) (string, error)
}

// StaticResolver resolves every request to one fixed user. Used in
// development and tests where session management is out of scope.
type StaticResolver struct {
	UserID string
}

func (r *StaticResolver) Resolve(_ *gin.Context) (string, error) {
	if r.UserID == "" {
		return "", ErrUnauthenticated
	}
	return r.UserID, nil
}

// JWTResolver verifies an HS256 bearer token and reads the user_id claim.
type JWTResolver struct {
	Secret []byte
}

func (r *JWTResolver) Resolve(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrUnauthenticated
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.Secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrUnauthenticated
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// Middleware resolves the principal for every request in the group and
// aborts with 401 when there is none.
func Middleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := resolver.Resolve(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(contextUserKey, userID)
		c.Next()
	}
}

// UserID returns the principal resolved by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(contextUserKey)
}
