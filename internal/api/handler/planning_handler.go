package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/internal/dto"
	"labflow/internal/planner"
	"labflow/internal/service"
	"labflow/pkg/response"
)

// PlanningHandler 规划编辑器 HTTP 处理器
type PlanningHandler struct {
	planningSvc service.PlanningService
	logger      *zap.Logger
}

// NewPlanningHandler 创建 PlanningHandler
func NewPlanningHandler(planningSvc service.PlanningService, logger *zap.Logger) *PlanningHandler {
	return &PlanningHandler{planningSvc: planningSvc, logger: logger}
}

// SavePlanning 整体提交草稿行：新建、更新、删除一次完成
// PUT /api/v1/events/:id/planning
func (h *PlanningHandler) SavePlanning(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.PlanningRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.planningSvc.Save(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		var saveErr *planner.SaveError
		switch {
		case result != nil && errors.As(err, &saveErr):
			// 保存不是原子的，已成功的写入保留
			response.Partial(c, service.CodePartialBulk, "部分时段保存失败", result)
		case result != nil && errors.Is(err, service.ErrAggregateWrite):
			response.ErrorWithData(c, http.StatusInternalServerError, service.CodeAggregateWrite, "时段已保存，事件汇总更新失败", result)
		default:
			handleWorkflowError(c, h.logger, err)
		}
		return
	}

	response.OK(c, result)
}
