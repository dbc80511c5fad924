package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/convoshare/internal/common"
	"github.com/suPer8Hu/convoshare/internal/conversation"
	"github.com/suPer8Hu/convoshare/internal/httpapi/middleware"
)

type metadataReq struct {
	Title    string `json:"title"`
	Model    string `json:"model"`
	SourceID string `json:"source_id"`
}

func (m metadataReq) toMetadata() conversation.Metadata {
	return conversation.Metadata{Title: m.Title, Model: m.Model, SourceID: m.SourceID}
}

type createConversationReq struct {
	Contents conversation.Contents `json:"contents"`
	Metadata metadataReq           `json:"metadata"`
	Public   bool                  `json:"public"`
	Research bool                  `json:"research"`
}

type patchConversationReq struct {
	Contents conversation.Contents `json:"contents"`
	Metadata metadataReq           `json:"metadata"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)

	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	acct, err := h.Convs.Account(ctx, sub)
	if err != nil {
		h.fail(c, "account", err)
		return
	}

	id, created, err := h.Convs.Create(ctx, conversation.CreateInput{
		Owner:    sub,
		Contents: req.Contents,
		Metadata: req.Metadata.toMetadata(),
		Public:   req.Public,
		Research: req.Research,
		Paid:     acct.Paid,
	})
	if err != nil {
		h.fail(c, "create conversation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.Respond(c, status, gin.H{"id": id, "created": created})
}

func (h *Handler) ListConversations(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)
	includeDeleted, _ := strconv.ParseBool(c.Query("include_deleted"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	convs, err := h.Convs.List(c.Request.Context(), sub, includeDeleted, limit, c.Query("before_id"))
	if err != nil {
		h.fail(c, "list conversations", err)
		return
	}

	nextBeforeID := ""
	if len(convs) > 0 {
		nextBeforeID = convs[len(convs)-1].ID
	}
	common.OK(c, gin.H{
		"conversations":  convs,
		"next_before_id": nextBeforeID,
	})
}

// GetConversation serves share links. Public live records are readable by
// anyone; everything else only by its owner.
func (h *Handler) GetConversation(c *gin.Context) {
	sub, authed := middleware.SubjectFrom(c)
	includeDeleted, _ := strconv.ParseBool(c.Query("include_deleted"))

	rec, err := h.Convs.Read(c.Request.Context(), c.Param("id"), includeDeleted)
	if err != nil {
		h.fail(c, "read conversation", err)
		return
	}
	if (includeDeleted || !rec.Public) && (!authed || rec.OwnerID != sub) {
		h.fail(c, "read conversation", conversation.ErrForbidden)
		return
	}
	common.OK(c, rec)
}

func (h *Handler) PatchConversation(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)

	var req patchConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.Convs.Patch(c.Request.Context(), c.Param("id"), sub, req.Contents, req.Metadata.toMetadata()); err != nil {
		h.fail(c, "patch conversation", err)
		return
	}
	common.OK(c, gin.H{"id": c.Param("id")})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)
	if err := h.Convs.Delete(c.Request.Context(), c.Param("id"), sub); err != nil {
		h.fail(c, "delete conversation", err)
		return
	}
	common.OK(c, gin.H{"id": c.Param("id"), "deleted": true})
}

func (h *Handler) UndeleteConversation(c *gin.Context) {
	sub, _ := middleware.SubjectFrom(c)
	if err := h.Convs.Undelete(c.Request.Context(), c.Param("id"), sub); err != nil {
		h.fail(c, "undelete conversation", err)
		return
	}
	common.OK(c, gin.H{"id": c.Param("id"), "deleted": false})
}
