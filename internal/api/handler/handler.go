package handler

import (
	"go.uber.org/zap"

	"labflow/internal/service"
)

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Auth     *AuthHandler
	Event    *EventHandler
	Slot     *SlotHandler
	Planning *PlanningHandler
	Export   *ExportHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		Auth:     NewAuthHandler(svc.Auth),
		Event:    NewEventHandler(svc.Event, svc.Validation, logger),
		Slot:     NewSlotHandler(svc.Validation, logger),
		Planning: NewPlanningHandler(svc.Planning, logger),
		Export:   NewExportHandler(svc.Export, logger),
	}
}
