package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/internal/dto"
	"labflow/internal/service"
	"labflow/internal/workflow"
	"labflow/pkg/response"
)

// SlotHandler 时段审核 HTTP 处理器
type SlotHandler struct {
	validationSvc service.ValidationService
	logger        *zap.Logger
}

// NewSlotHandler 创建 SlotHandler
func NewSlotHandler(validationSvc service.ValidationService, logger *zap.Logger) *SlotHandler {
	return &SlotHandler{validationSvc: validationSvc, logger: logger}
}

// ApplyAction 对单个时段执行动作
// POST /api/v1/slots/:id/actions
func (h *SlotHandler) ApplyAction(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.SlotActionRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.validationSvc.ApplySlotAction(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		// 时段已写入，仅汇总失败：带上结果，客户端可调用重算接口
		if result != nil && errors.Is(err, service.ErrAggregateWrite) {
			response.ErrorWithData(c, http.StatusInternalServerError, service.CodeAggregateWrite, "时段已保存，事件汇总更新失败", result)
			return
		}
		handleWorkflowError(c, h.logger, err)
		return
	}

	response.OK(c, result)
}

// ApplyBulkAction 对同一事件的多个时段执行同一动作；部分失败时仍返回 200 与逐项结果
// POST /api/v1/events/:id/slots/actions
func (h *SlotHandler) ApplyBulkAction(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.BulkSlotActionRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.validationSvc.ApplyBulkSlotAction(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		var bulkErr *workflow.BulkError
		switch {
		case result != nil && errors.As(err, &bulkErr):
			response.Partial(c, service.CodePartialBulk, "部分时段处理失败", result)
		case result != nil && errors.Is(err, service.ErrAggregateWrite):
			response.ErrorWithData(c, http.StatusInternalServerError, service.CodeAggregateWrite, "时段已保存，事件汇总更新失败", result)
		default:
			handleWorkflowError(c, h.logger, err)
		}
		return
	}

	response.OK(c, result)
}
