package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/convoshare/internal/common"
	"github.com/suPer8Hu/convoshare/internal/session"
)

const SubjectKey = "subject"

// Authenticate resolves the caller's subject, if any, and stores it under
// SubjectKey. It never rejects; pair it with RequireSubject.
func Authenticate(resolver session.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sub, ok := resolver.Resolve(c.Request.Context(), c.Request); ok {
			c.Set(SubjectKey, sub)
		}
		c.Next()
	}
}

// RequireSubject rejects requests Authenticate could not attribute. The body
// never says which credential failed or why.
func RequireSubject() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := SubjectFrom(c); !ok {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthenticated")
			return
		}
		c.Next()
	}
}

func SubjectFrom(c *gin.Context) (string, bool) {
	sub := c.GetString(SubjectKey)
	return sub, sub != ""
}
