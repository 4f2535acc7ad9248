package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuth requires a bearer token matching the bcrypt hash on every
// request it guards. An empty hash disables the check.
func OperatorAuth(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	expected := []byte(hash)

	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="computeguard"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "operator token required",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword(expected, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid operator token",
			})
			return
		}

		c.Next()
	}
}

// HashOperatorToken returns the bcrypt hash to configure for token
func HashOperatorToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
