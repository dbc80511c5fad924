package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/convoshare/internal/common"
	"github.com/suPer8Hu/convoshare/internal/conversation"
	"github.com/suPer8Hu/convoshare/internal/httpapi/middleware"
	"github.com/suPer8Hu/convoshare/internal/session"
)

type Handler struct {
	Convs    *conversation.Service
	Sessions *session.Manager
	IDTokens session.TokenValidator
	Log      *zap.Logger
}

func NewHandler(convs *conversation.Service, sessions *session.Manager, idTokens session.TokenValidator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Convs: convs, Sessions: sessions, IDTokens: idTokens, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps service errors onto the envelope. Forbidden and NotFound share
// one response so callers cannot probe for ids they do not own.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrForbidden):
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
	case errors.Is(err, conversation.ErrQuotaExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42901, "free conversation limit reached")
	case errors.Is(err, conversation.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	default:
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
