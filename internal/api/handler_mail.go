package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/service/pipeline"
)

// Processor is the part of the pipeline the mail endpoints drive.
type Processor interface {
	LoadAndProcess(ctx context.Context, startBackground bool) ([]pipeline.MailView, error)
	ProcessOne(ctx context.Context, id int) (pipeline.Report, error)
}

// Asker answers a question about one mail.
type Asker interface {
	Ask(ctx context.Context, id int, question string) (string, error)
}

type MailHandler struct {
	pipeline Processor
	chat     Asker
	logger   *zap.Logger
}

func NewMailHandler(p Processor, chat Asker, logger *zap.Logger) *MailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailHandler{pipeline: p, chat: chat, logger: logger}
}

// ListMails handles GET /mails
func (h *MailHandler) ListMails(c *gin.Context) {
	views, err := h.pipeline.LoadAndProcess(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read mailbox", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": views, "count": len(views)})
}

// GetMail handles GET /mails/:id
func (h *MailHandler) GetMail(c *gin.Context) {
	id, ok := mailID(c)
	if !ok {
		return
	}
	views, err := h.pipeline.LoadAndProcess(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read mailbox", "details": err.Error()})
		return
	}
	for _, v := range views {
		if v.ID == id {
			c.JSON(http.StatusOK, v)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "mail not found"})
}

// ProcessMail handles POST /mails/:id/process
func (h *MailHandler) ProcessMail(c *gin.Context) {
	id, ok := mailID(c)
	if !ok {
		return
	}

	rep, err := h.pipeline.ProcessOne(c.Request.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrMailNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "mail not found"})
		return
	case errors.Is(err, pipeline.ErrBackoffActive):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota backoff active"})
		return
	}

	body := gin.H{
		"mail_id":      rep.MailID,
		"category":     rep.Category,
		"extracted":    rep.Extracted,
		"action_items": rep.ActionItems,
	}
	if rep.Draft != nil {
		body["draft"] = gin.H{"outcome": rep.Draft.Outcome.String(), "draft_id": rep.Draft.DraftID}
	}
	if err != nil {
		h.logger.Warn("Processing finished with errors", zap.Int("mail_id", id), zap.Error(err))
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// AskAboutMail handles POST /mails/:id/chat
func (h *MailHandler) AskAboutMail(c *gin.Context) {
	id, ok := mailID(c)
	if !ok {
		return
	}
	var req struct {
		Question string `json:"question"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	answer, err := h.chat.Ask(c.Request.Context(), id, req.Question)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"mail_id": id, "answer": answer})
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrMailNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "mail not found"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "model call failed", "details": err.Error()})
	}
}

func mailID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return 0, false
	}
	return id, true
}
