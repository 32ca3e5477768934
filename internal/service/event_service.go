package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"labflow/config"
	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
	pkgerrors "labflow/pkg/errors"
)

// EventService 事件业务接口
type EventService interface {
	// Create 创建事件及初始时段（状态 created），创建者即所有者
	Create(ctx context.Context, actor Actor, req *dto.CreateEventRequest) (*dto.EventResponse, error)
	Get(ctx context.Context, actor Actor, id string) (*dto.EventResponse, error)
	List(ctx context.Context, actor Actor, req *dto.EventListRequest) ([]dto.EventResponse, int64, error)
	// Update 更新描述信息；实质修改会重新打开审核
	Update(ctx context.Context, actor Actor, id string, req *dto.UpdateEventRequest) (*dto.EventResponse, error)
	// Validate 审核方确认事件：所有时段必须已批准
	Validate(ctx context.Context, actor Actor, id string) (*dto.EventResponse, error)
	// Cancel 取消事件，时段保留各自的状态
	Cancel(ctx context.Context, actor Actor, id string, req *dto.CancelEventRequest) (*dto.EventResponse, error)
	// StartDue 将已有已批准时段开始的 VALIDATED 事件切换为 IN_PROGRESS，返回切换数量
	StartDue(ctx context.Context, now time.Time) (int, error)
}

type eventService struct {
	cfg    *config.Config
	repo   *repository.Repository
	bus    *eventbus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewEventService 创建 EventService 实例
func NewEventService(cfg *config.Config, repo *repository.Repository, bus *eventbus.Bus, logger *zap.Logger) EventService {
	return &eventService{cfg: cfg, repo: repo, bus: bus, logger: logger, now: time.Now}
}

// ── Create ──

func (s *eventService) Create(ctx context.Context, actor Actor, req *dto.CreateEventRequest) (*dto.EventResponse, error) {
	rows := make([]workflow.DraftRow, len(req.Slots))
	for i, in := range req.Slots {
		rows[i] = in.Row()
	}
	if err := workflow.ValidateDraft(rows); err != nil {
		return nil, err
	}

	ev := &model.Event{
		EventID:         uuid.NewString(),
		Title:           req.Title,
		Description:     req.Description,
		Discipline:      req.Discipline,
		Materials:       req.Materials,
		OwnerID:         actor.UserID,
		State:           string(workflow.EventPending),
		ValidationState: string(workflow.OperatorPending),
	}
	ev.CreatedBy = &actor.UserID
	ev.UpdatedBy = &actor.UserID

	domain, models, err := s.buildSlots(ev.EventID, actor.UserID, rows)
	if err != nil {
		return nil, err
	}
	ev.Slots = models
	ev.SetDerived(workflow.Derive(domain))

	if err := s.repo.Event.Create(ctx, ev); err != nil {
		s.logger.Error("创建事件失败", zap.Error(err))
		return nil, err
	}

	s.logger.Info("事件已创建",
		zap.String("event_id", ev.EventID),
		zap.String("owner_id", ev.OwnerID),
		zap.Int("slots", len(ev.Slots)),
	)
	s.bus.Publish(ctx, eventbus.Change{
		Kind:    eventbus.EventChanged,
		EventID: ev.EventID,
		ActorID: actor.UserID,
		Detail:  "created",
	})

	resp := toEventResponse(ev, workflow.RoleOwner)
	return &resp, nil
}

// buildSlots 草稿行 → 领域时段 → 模型；时间按业务时区解释
func (s *eventService) buildSlots(eventID, actorID string, rows []workflow.DraftRow) ([]workflow.Slot, []model.Slot, error) {
	return newSlotModels(eventID, actorID, rows, s.cfg.Location())
}

func newSlotModels(eventID, actorID string, rows []workflow.DraftRow, loc *time.Location) ([]workflow.Slot, []model.Slot, error) {
	domain := make([]workflow.Slot, 0, len(rows))
	models := make([]model.Slot, 0, len(rows))
	for i, r := range rows {
		terms, err := r.Terms(loc)
		if err != nil {
			return nil, nil, &workflow.DraftError{Rows: []workflow.RowError{{Index: i, ID: r.ID, Err: err}}}
		}
		d, err := workflow.NewSlot(uuid.NewString(), eventID, terms, r.SalleIDs, r.ClassIDs)
		if err != nil {
			return nil, nil, err
		}
		m, err := model.NewSlotModel(d)
		if err != nil {
			return nil, nil, err
		}
		m.CreatedBy = &actorID
		m.UpdatedBy = &actorID
		domain = append(domain, d)
		models = append(models, *m)
	}
	return domain, models, nil
}

// ── Get / List ──

func (s *eventService) Get(ctx context.Context, actor Actor, id string) (*dto.EventResponse, error) {
	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := toEventResponse(ev, roleFor(actor, ev))
	return &resp, nil
}

func (s *eventService) List(ctx context.Context, actor Actor, req *dto.EventListRequest) ([]dto.EventResponse, int64, error) {
	req.Normalize()
	f := repository.EventFilter{
		State:  req.State,
		Offset: req.Offset(),
		Limit:  req.PageSize,
	}
	// 非审核方只能看到自己的事件
	if req.Mine || !actor.CanOperate {
		f.OwnerID = actor.UserID
	}

	events, total, err := s.repo.Event.List(ctx, f)
	if err != nil {
		s.logger.Error("查询事件列表失败", zap.Error(err))
		return nil, 0, err
	}
	list := make([]dto.EventResponse, 0, len(events))
	for i := range events {
		list = append(list, toEventResponse(&events[i], roleFor(actor, &events[i])))
	}
	return list, total, nil
}

// ── Update ──

func (s *eventService) Update(ctx context.Context, actor Actor, id string, req *dto.UpdateEventRequest) (*dto.EventResponse, error) {
	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := roleFor(actor, ev)
	if role == workflow.RoleOther {
		return nil, workflow.ErrPermissionDenied
	}
	if workflow.EventState(ev.State) == workflow.EventCancelled {
		return nil, workflow.ErrInvalidTransition
	}

	var scope workflow.EditScope
	if req.Title != nil && *req.Title != ev.Title {
		ev.Title = *req.Title
		scope.Title = true
	}
	if req.Description != nil && *req.Description != ev.Description {
		ev.Description = *req.Description
		scope.Description = true
	}
	if req.Discipline != nil && *req.Discipline != ev.Discipline {
		ev.Discipline = *req.Discipline
		scope.Description = true
	}
	if req.Materials != nil && *req.Materials != ev.Materials {
		ev.Materials = *req.Materials
		scope.Materials = true
	}
	if !scope.Any() {
		resp := toEventResponse(ev, role)
		return &resp, nil
	}

	st, err := ev.Status()
	if err != nil {
		return nil, err
	}
	if err := ev.SetStatus(workflow.ApplyEdit(st, role, scope, actor.UserID, s.now())); err != nil {
		return nil, err
	}
	if err := s.save(ctx, ev, actor.UserID); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, eventbus.Change{
		Kind:    eventbus.EventChanged,
		EventID: ev.EventID,
		ActorID: actor.UserID,
		Detail:  "updated",
	})
	resp := toEventResponse(ev, role)
	return &resp, nil
}

// ── Validate / Cancel ──

func (s *eventService) Validate(ctx context.Context, actor Actor, id string) (*dto.EventResponse, error) {
	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := roleFor(actor, ev)
	slots, err := ev.DomainSlots()
	if err != nil {
		return nil, err
	}
	st, err := ev.Status()
	if err != nil {
		return nil, err
	}
	next, err := workflow.Validate(st, role, slots, actor.UserID, s.now())
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, ev, role, next, actor.UserID)
}

func (s *eventService) Cancel(ctx context.Context, actor Actor, id string, req *dto.CancelEventRequest) (*dto.EventResponse, error) {
	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := roleFor(actor, ev)
	st, err := ev.Status()
	if err != nil {
		return nil, err
	}
	next, err := workflow.Cancel(st, role, actor.UserID, req.Reason, s.now())
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, ev, role, next, actor.UserID)
}

func (s *eventService) transition(ctx context.Context, ev *model.Event, role workflow.Role, next workflow.EventStatus, actorID string) (*dto.EventResponse, error) {
	from := ev.State
	if err := ev.SetStatus(next); err != nil {
		return nil, err
	}
	if err := s.save(ctx, ev, actorID); err != nil {
		return nil, err
	}
	s.logger.Info("事件状态变更",
		zap.String("event_id", ev.EventID),
		zap.String("from", from),
		zap.String("to", ev.State),
		zap.String("actor_id", actorID),
	)
	s.bus.Publish(ctx, eventbus.Change{
		Kind:    eventbus.EventChanged,
		EventID: ev.EventID,
		ActorID: actorID,
		Detail:  from + " → " + ev.State,
	})
	resp := toEventResponse(ev, role)
	return &resp, nil
}

// ── StartDue ──

func (s *eventService) StartDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.Event.ListIDsByState(ctx, string(workflow.EventValidated))
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		ev, err := s.repo.Event.GetByID(ctx, id)
		if err != nil {
			s.logger.Warn("读取事件失败", zap.String("event_id", id), zap.Error(err))
			continue
		}
		if !hasStarted(ev.Slots, now) {
			continue
		}
		st, err := ev.Status()
		if err != nil {
			continue
		}
		next, ok := workflow.Start(st, now)
		if !ok {
			continue
		}
		if _, err := s.transition(ctx, ev, workflow.RoleOperator, next, "system"); err != nil {
			// 并发修改时下一轮再处理
			s.logger.Warn("切换 IN_PROGRESS 失败", zap.String("event_id", id), zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

func hasStarted(slots []model.Slot, now time.Time) bool {
	for i := range slots {
		if slots[i].State == string(workflow.StateApproved) && !slots[i].StartDate.After(now) {
			return true
		}
	}
	return false
}

// ── 辅助 ──

func (s *eventService) get(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.repo.Event.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrEventNotFound
		}
		s.logger.Error("查询事件失败", zap.String("event_id", id), zap.Error(err))
		return nil, err
	}
	return ev, nil
}

func (s *eventService) save(ctx context.Context, ev *model.Event, actorID string) error {
	if actorID != "system" {
		ev.UpdatedBy = &actorID
	}
	if err := s.repo.Event.Update(ctx, ev); err != nil {
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return ErrStaleEvent
		}
		s.logger.Error("更新事件失败", zap.String("event_id", ev.EventID), zap.Error(err))
		return err
	}
	return nil
}
