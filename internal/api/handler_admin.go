package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/service/pipeline"
)

// Controller is the part of the pipeline the admin endpoints drive.
type Controller interface {
	Status() pipeline.Status
	Trigger()
	ClearLastError() error
	SavePrompt(ctx context.Context, kind model.PromptKind, text string) (bool, error)
}

type PromptLister interface {
	List(ctx context.Context) ([]model.Prompt, error)
}

type AdminHandler struct {
	pipeline Controller
	prompts  PromptLister
	logger   *zap.Logger
}

func NewAdminHandler(p Controller, prompts PromptLister, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{pipeline: p, prompts: prompts, logger: logger}
}

// Status 返回后台处理状态
// GET /status
func (h *AdminHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

// Trigger 请求立即扫描一次
// POST /trigger
func (h *AdminHandler) Trigger(c *gin.Context) {
	h.pipeline.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// ClearLastError DELETE /last-error
func (h *AdminHandler) ClearLastError(c *gin.Context) {
	if err := h.pipeline.ClearLastError(); err != nil {
		h.logger.Error("Failed to clear last error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear last error", "details": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPrompts GET /prompts
func (h *AdminHandler) ListPrompts(c *gin.Context) {
	prompts, err := h.prompts.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read prompts", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// SavePrompt 保存提示词，内容变化时应用对应的重置规则
// PUT /prompts/:kind
func (h *AdminHandler) SavePrompt(c *gin.Context) {
	kind, ok := model.ParsePromptKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown prompt type"})
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	changed, err := h.pipeline.SavePrompt(c.Request.Context(), kind, req.Prompt)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errs.ErrValidation) {
			status = http.StatusBadRequest
		}
		h.logger.Error("Failed to save prompt", zap.String("type", string(kind)), zap.Error(err))
		c.JSON(status, gin.H{"error": "failed to save prompt", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": kind, "changed": changed})
}
