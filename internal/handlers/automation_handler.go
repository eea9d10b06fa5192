package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"pipeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化引擎与管理接口
type AutomationHandler struct {
	engine services.AutomationRunner
	admin  *services.AutomationAdminService
	hub    *services.ActivityHub
	logger *logrus.Logger
}

// NewAutomationHandler 创建自动化处理器，hub 可为空
func NewAutomationHandler(engine services.AutomationRunner, admin *services.AutomationAdminService, hub *services.ActivityHub, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{engine: engine, admin: admin, hub: hub, logger: logger}
}

// Run 触发一次自动化执行
// @Summary 触发自动化
// @Tags 自动化
// @Accept json
// @Produce json
// @Param request body services.RunRequest true "触发请求"
// @Success 200 {object} services.Report
// @Failure 400 {object} ErrorResponse
// @Router /api/automations/run [post]
func (h *AutomationHandler) Run(c *gin.Context) {
	var req services.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.engine.Run(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRunRequest) {
			abortWithError(c, http.StatusBadRequest, "Invalid run request", err)
			return
		}
		// 触发方不因引擎加载失败而失败
		h.logger.WithFields(logrus.Fields{
			"card_id":      req.CardID,
			"pipe_id":      req.PipeID,
			"trigger_type": req.TriggerType,
		}).Warnf("automation run failed: %v", err)
		c.JSON(http.StatusOK, services.NewReport(0))
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListAutomations 列出管道下的自动化
// @Router /api/automations [get]
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	automations, err := h.admin.ListAutomations(c.Request.Context(), c.Query("pipe_id"))
	if err != nil {
		h.logger.Errorf("Failed to list automations: %v", err)
		abortWithError(c, http.StatusInternalServerError, "Failed to list automations", err)
		return
	}
	c.JSON(http.StatusOK, automations)
}

// GetAutomation 获取自动化详情
// @Router /api/automations/{id} [get]
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	auto, err := h.admin.GetAutomation(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, statusFor(err), "Automation not found", err)
		return
	}
	c.JSON(http.StatusOK, auto)
}

// CreateAutomation 新建自动化
// @Router /api/automations [post]
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.admin.Validate(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid automation", err)
		return
	}

	auto, err := h.admin.CreateAutomation(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create automation: %v", err)
		abortWithError(c, http.StatusInternalServerError, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, auto)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetEnabled 启用或停用自动化
// @Router /api/automations/{id}/enabled [put]
func (h *AutomationHandler) SetEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	auto, err := h.admin.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		abortWithError(c, statusFor(err), "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, auto)
}

// DeleteAutomation 删除自动化
// @Router /api/automations/{id} [delete]
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	if err := h.admin.DeleteAutomation(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, statusFor(err), "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation deleted"})
}

// ImportAutomations 从 YAML 导入
// @Accept application/x-yaml
// @Router /api/automations/import [post]
func (h *AutomationHandler) ImportAutomations(c *gin.Context) {
	created, err := h.admin.ImportYAML(c.Request.Context(), c.Request.Body, c.Query("pipe_id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Import failed", err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Message: "Automations imported", Data: created})
}

// ListLogs 查询执行日志
// @Param card_id query string false "卡片ID"
// @Param automation_id query string false "自动化ID"
// @Param limit query int false "条数" default(100)
// @Router /api/automations/logs [get]
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid limit",
			Message: "limit must be a number",
		})
		return
	}
	logs, err := h.admin.ListLogs(c.Request.Context(), services.LogFilter{
		CardID:       c.Query("card_id"),
		AutomationID: c.Query("automation_id"),
		Limit:        limit,
	})
	if err != nil {
		h.logger.Errorf("Failed to list automation logs: %v", err)
		abortWithError(c, http.StatusInternalServerError, "Failed to list logs", err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Stats 实时订阅统计
func (h *AutomationHandler) Stats(c *gin.Context) {
	clients := 0
	if h.hub != nil {
		clients = h.hub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"activity_clients": clients},
	})
}

// RegisterAutomationRoutes 注册自动化路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler, runLimiter gin.HandlerFunc) {
	automations := r.Group("/automations")
	{
		if runLimiter != nil {
			automations.POST("/run", runLimiter, handler.Run)
		} else {
			automations.POST("/run", handler.Run)
		}
		automations.GET("", handler.ListAutomations)
		automations.POST("", handler.CreateAutomation)
		automations.POST("/import", handler.ImportAutomations)
		automations.GET("/logs", handler.ListLogs)
		automations.GET("/stats", handler.Stats)
		automations.GET("/:id", handler.GetAutomation)
		automations.PUT("/:id/enabled", handler.SetEnabled)
		automations.DELETE("/:id", handler.DeleteAutomation)
		if handler.hub != nil {
			automations.GET("/ws", handler.hub.HandleWebSocket)
		}
	}
}
