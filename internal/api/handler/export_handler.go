package handler

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/internal/service"
	"labflow/pkg/response"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeICS  = "text/calendar; charset=utf-8"
)

// ExportHandler 导出模块 HTTP 处理器
type ExportHandler struct {
	exportSvc service.ExportService
	logger    *zap.Logger
}

// NewExportHandler 创建 ExportHandler
func NewExportHandler(exportSvc service.ExportService, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{exportSvc: exportSvc, logger: logger}
}

// ExportXLSX 导出事件全部时段
// GET /api/v1/events/:id/export.xlsx
func (h *ExportHandler) ExportXLSX(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	buf, filename, err := h.exportSvc.ExportEventXLSX(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.handleExportError(c, err)
		return
	}

	sendFile(c, buf, filename, contentTypeXLSX)
}

// ExportICS 导出事件日历，只含已批准时段
// GET /api/v1/events/:id/export.ics
func (h *ExportHandler) ExportICS(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	buf, filename, err := h.exportSvc.ExportEventICS(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.handleExportError(c, err)
		return
	}

	sendFile(c, buf, filename, contentTypeICS)
}

func sendFile(c *gin.Context, buf *bytes.Buffer, filename, contentType string) {
	encodedFilename := url.QueryEscape(filename)
	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+encodedFilename)
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func (h *ExportHandler) handleExportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExportNoSlots):
		response.BadRequest(c, 16101, "该事件没有可导出的时段")
	case errors.Is(err, service.ErrExportGenerateFail):
		response.InternalError(c)
	default:
		handleWorkflowError(c, h.logger, err)
	}
}
