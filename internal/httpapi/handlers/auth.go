package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/convoshare/internal/auth"
	"github.com/suPer8Hu/convoshare/internal/common"
	"github.com/suPer8Hu/convoshare/internal/httpapi/middleware"
)

type googleLoginReq struct {
	IDToken string `json:"id_token"`
}

// GoogleLogin exchanges a Google ID token for a session cookie. A caller
// that already holds a valid session keeps it; the token is not re-checked.
func (h *Handler) GoogleLogin(c *gin.Context) {
	if sub, ok := h.Sessions.CurrentSubject(c.Request); ok {
		common.OK(c, gin.H{"subject": sub, "reused": true})
		return
	}

	var req googleLoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	token := strings.TrimSpace(req.IDToken)
	if token == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "id_token required")
		return
	}

	sub, err := h.IDTokens.Validate(c.Request.Context(), token)
	if err != nil {
		h.Log.Info("id token rejected", zap.String("kind", string(auth.KindOf(err))), zap.Error(err))
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthenticated")
		return
	}

	if err := h.Convs.EnsureOwner(c.Request.Context(), sub); err != nil {
		h.fail(c, "ensure owner", err)
		return
	}

	_, reused, err := h.Sessions.Start(c.Writer, c.Request, sub)
	if err != nil {
		h.Log.Error("start session failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to start session")
		return
	}
	common.OK(c, gin.H{"subject": sub, "reused": reused})
}

func (h *Handler) Logout(c *gin.Context) {
	h.Sessions.End(c.Writer)
	common.OK(c, nil)
}

func (h *Handler) Me(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)
	acct, err := h.Convs.Account(c.Request.Context(), sub)
	if err != nil {
		h.fail(c, "account", err)
		return
	}
	common.OK(c, acct)
}
