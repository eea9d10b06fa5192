package handlers

import (
	"net/http"

	"pipeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CardHandler 卡片操作处理器，写入后触发自动化
type CardHandler struct {
	cards  *services.CardService
	logger *logrus.Logger
}

// NewCardHandler 创建卡片处理器
func NewCardHandler(cards *services.CardService, logger *logrus.Logger) *CardHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CardHandler{cards: cards, logger: logger}
}

// CardMutationResponse carries the write result and the automation report
// produced by the trigger it fired. Automation is null when the engine run
// failed.
type CardMutationResponse struct {
	Data       interface{}      `json:"data"`
	Automation *services.Report `json:"automation"`
}

type moveCardRequest struct {
	StageID string `json:"stage_id" binding:"required"`
}

type updateFieldRequest struct {
	Value interface{} `json:"value"`
}

type submitFormRequest struct {
	Responses map[string]interface{} `json:"responses"`
}

// GetCard 获取卡片
// @Router /api/cards/{id} [get]
func (h *CardHandler) GetCard(c *gin.Context) {
	card, err := h.cards.GetCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, statusFor(err), "Card not found", err)
		return
	}
	c.JSON(http.StatusOK, card)
}

// MoveCard 移动卡片到其他阶段
// @Router /api/cards/{id}/stage [put]
func (h *CardHandler) MoveCard(c *gin.Context) {
	var req moveCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	history, report, err := h.cards.MoveCard(c.Request.Context(), c.Param("id"), req.StageID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		abortWithError(c, status, "Failed to move card", err)
		return
	}
	c.JSON(http.StatusOK, CardMutationResponse{Data: history, Automation: report})
}

// UpdateField 更新字段
// @Router /api/cards/{id}/fields/{key} [put]
func (h *CardHandler) UpdateField(c *gin.Context) {
	var req updateFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	field, report, err := h.cards.UpdateField(c.Request.Context(), c.Param("id"), c.Param("key"), req.Value)
	if err != nil {
		h.logger.Errorf("Failed to update field: %v", err)
		abortWithError(c, statusFor(err), "Failed to update field", err)
		return
	}
	c.JSON(http.StatusOK, CardMutationResponse{Data: field, Automation: report})
}

// SubmitForm 提交表单
// @Router /api/cards/{id}/forms/{form_id}/submissions [post]
func (h *CardHandler) SubmitForm(c *gin.Context) {
	var req submitFormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sub, report, err := h.cards.SubmitForm(c.Request.Context(), c.Param("id"), c.Param("form_id"), req.Responses)
	if err != nil {
		h.logger.Errorf("Failed to submit form: %v", err)
		abortWithError(c, statusFor(err), "Failed to submit form", err)
		return
	}
	c.JSON(http.StatusCreated, CardMutationResponse{Data: sub, Automation: report})
}

// RegisterCardRoutes 注册卡片路由
func RegisterCardRoutes(r *gin.RouterGroup, handler *CardHandler) {
	cards := r.Group("/cards")
	{
		cards.GET("/:id", handler.GetCard)
		cards.PUT("/:id/stage", handler.MoveCard)
		cards.PUT("/:id/fields/:key", handler.UpdateField)
		cards.POST("/:id/forms/:form_id/submissions", handler.SubmitForm)
	}
}
