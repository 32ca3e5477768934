package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/internal/service"
	"labflow/internal/workflow"
	pkgerrors "labflow/pkg/errors"
	"labflow/pkg/response"
)

// draftRowError 草稿校验失败的单行
type draftRowError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// bindJSON 绑定并校验请求体；失败时已写入响应
func bindJSON(c *gin.Context, obj interface{}) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(c, http.StatusRequestEntityTooLarge, 10005, "请求体过大")
		return false
	}
	response.BadRequest(c, 10001, "参数校验失败")
	return false
}

// handleWorkflowError 事件/时段模块的统一错误映射（17xxx）
func handleWorkflowError(c *gin.Context, logger *zap.Logger, err error) {
	var draftErr *workflow.DraftError
	if errors.As(err, &draftErr) {
		rows := make([]draftRowError, len(draftErr.Rows))
		for i, r := range draftErr.Rows {
			rows[i] = draftRowError{Index: r.Index, ID: r.ID, Error: r.Err.Error()}
		}
		response.ErrorWithData(c, http.StatusBadRequest, service.CodeInvalidDraft, "草稿校验失败", gin.H{"rows": rows})
		return
	}

	switch {
	case errors.Is(err, service.ErrEventNotFound):
		response.NotFound(c, service.CodeEventNotFound, "事件不存在")
	case errors.Is(err, service.ErrSlotNotFound):
		response.NotFound(c, service.CodeSlotNotFound, "时段不存在")
	case errors.Is(err, workflow.ErrPermissionDenied):
		response.Forbidden(c, service.CodePermissionDenied, "无权执行该操作")
	case errors.Is(err, workflow.ErrInvalidTimeRange):
		response.BadRequest(c, service.CodeInvalidTimeRange, "结束时间必须晚于开始时间")
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrUnknownAction):
		response.Conflict(c, service.CodeInvalidTransition, "当前状态不允许该操作")
	case errors.Is(err, pkgerrors.ErrLockHeld):
		response.Conflict(c, service.CodeSlotBusy, "时段正在处理中，请稍后再试")
	case errors.Is(err, pkgerrors.ErrOptimisticLock):
		response.Conflict(c, service.CodeStale, "数据已被其他操作修改，请刷新后重试")
	case errors.Is(err, service.ErrAggregateWrite):
		response.Error(c, http.StatusInternalServerError, service.CodeAggregateWrite, "时段已保存，事件汇总更新失败，请重试重算")
	default:
		logger.Error("未预期的错误", zap.String("path", c.FullPath()), zap.Error(err))
		response.InternalError(c)
	}
}
