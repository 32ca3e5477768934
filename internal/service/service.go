package service

import (
	"go.uber.org/zap"

	"labflow/config"
	"labflow/internal/repository"
	"labflow/pkg/eventbus"
	"labflow/pkg/jwt"
)

// Service 所有 Service 的聚合入口
type Service struct {
	Auth       AuthService
	Event      EventService
	Validation ValidationService
	Planning   PlanningService
	Export     ExportService
}

// Deps 构造 Service 所需的基础设施
type Deps struct {
	Config    *config.Config
	Repo      *repository.Repository
	JWT       *jwt.Manager
	Blacklist TokenBlacklist // 可为 nil
	Locker    SlotLocker
	Bus       *eventbus.Bus
	Logger    *zap.Logger
}

// NewService 创建 Service 聚合
func NewService(d Deps) *Service {
	return &Service{
		Auth:       NewAuthService(d.Config, d.Repo, d.JWT, d.Blacklist, d.Logger),
		Event:      NewEventService(d.Config, d.Repo, d.Bus, d.Logger),
		Validation: NewValidationService(d.Config, d.Repo, d.Locker, d.Bus, d.Logger),
		Planning:   NewPlanningService(d.Config, d.Repo, d.Locker, d.Bus, d.Logger),
		Export:     NewExportService(d.Config, d.Repo, d.Logger),
	}
}
