package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/internal/dto"
	"labflow/internal/service"
	"labflow/pkg/response"
)

// EventHandler 事件模块 HTTP 处理器
type EventHandler struct {
	eventSvc      service.EventService
	validationSvc service.ValidationService
	logger        *zap.Logger
}

// NewEventHandler 创建 EventHandler
func NewEventHandler(eventSvc service.EventService, validationSvc service.ValidationService, logger *zap.Logger) *EventHandler {
	return &EventHandler{eventSvc: eventSvc, validationSvc: validationSvc, logger: logger}
}

// CreateEvent 创建事件及初始时段
// POST /api/v1/events
func (h *EventHandler) CreateEvent(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.CreateEventRequest
	if !bindJSON(c, &req) {
		return
	}

	ev, err := h.eventSvc.Create(c.Request.Context(), actor, &req)
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.Created(c, ev)
}

// GetEvent 获取事件详情（含时段）
// GET /api/v1/events/:id
func (h *EventHandler) GetEvent(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	ev, err := h.eventSvc.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, ev)
}

// ListEvents 事件列表
// GET /api/v1/events?page=1&page_size=20&state=PENDING&mine=true
func (h *EventHandler) ListEvents(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.EventListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}
	req.Normalize()

	list, total, err := h.eventSvc.List(c.Request.Context(), actor, &req)
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OKPage(c, list, total, req.Page, req.PageSize)
}

// UpdateEvent 更新事件描述信息
// PUT /api/v1/events/:id
func (h *EventHandler) UpdateEvent(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.UpdateEventRequest
	if !bindJSON(c, &req) {
		return
	}

	ev, err := h.eventSvc.Update(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, ev)
}

// ValidateEvent 审核方确认事件
// POST /api/v1/events/:id/validate
func (h *EventHandler) ValidateEvent(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	ev, err := h.eventSvc.Validate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, ev)
}

// CancelEvent 取消事件
// POST /api/v1/events/:id/cancel
func (h *EventHandler) CancelEvent(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.CancelEventRequest
	// 原因可选，允许空请求体
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	ev, err := h.eventSvc.Cancel(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, ev)
}

// Recompute 重算事件派生字段；汇总写入失败后由客户端重试
// POST /api/v1/events/:id/recompute
func (h *EventHandler) Recompute(c *gin.Context) {
	result, err := h.validationSvc.RecomputeEventDerived(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, result)
}
