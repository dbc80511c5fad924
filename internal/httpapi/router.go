package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/convoshare/internal/common"
	"github.com/suPer8Hu/convoshare/internal/httpapi/handlers"
	"github.com/suPer8Hu/convoshare/internal/httpapi/middleware"
	"github.com/suPer8Hu/convoshare/internal/session"
)

// NewRouter mounts the API. resolver decides who the caller is (session
// cookie, bearer ID token, access token); routes that need a caller add
// RequireSubject.
func NewRouter(h *handlers.Handler, resolver session.Resolver, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.Use(middleware.Authenticate(resolver))

	// auth
	r.POST("/auth/google", h.GoogleLogin)
	r.POST("/auth/logout", h.Logout)

	// share links: public records need no caller
	r.GET("/conversations/:id", h.GetConversation)

	authGroup := r.Group("/")
	authGroup.Use(middleware.RequireSubject())
	authGroup.GET("/me", h.Me)
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.PATCH("/conversations/:id", h.PatchConversation)
	authGroup.DELETE("/conversations/:id", h.DeleteConversation)
	authGroup.POST("/conversations/:id/undelete", h.UndeleteConversation)
	return r
}
