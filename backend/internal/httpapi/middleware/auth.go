package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/webodf/Kotype/backend/internal/identity"
	"github.com/webodf/Kotype/backend/internal/model"
)

const userKey = "user"

// Auth verifies the access token and stores the caller as a *model.User
// under "user". Browsers cannot set headers on a websocket handshake, so
// ?token= is accepted as well.
func Auth(signer *identity.Signer, colors *identity.ColorPicker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := signer.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		u := claims.User()
		if u.Color == "" && colors != nil {
			u.Color = colors.Next()
		}
		c.Set(userKey, u)
		c.Set("userId", u.ID)
		c.Set("username", u.Username)
		c.Next()
	}
}

// UserFrom returns the user Auth attached to the request.
func UserFrom(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*model.User)
	return u, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// case-insensitive "Bearer " prefix
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
