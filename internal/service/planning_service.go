package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"labflow/config"
	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/internal/planner"
	"labflow/internal/repository"
	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
)

// PlanningService 规划编辑器的服务端入口：整体提交草稿行，一次完成新建/更新/删除
type PlanningService interface {
	// Save 返回的 error 为 *planner.SaveError 时，resp 仍然有效（部分成功）
	Save(ctx context.Context, actor Actor, eventID string, req *dto.PlanningRequest) (*dto.PlanningResponse, error)
}

type planningService struct {
	cfg        *config.Config
	repo       *repository.Repository
	validation *validationService
	bus        *eventbus.Bus
	logger     *zap.Logger
}

// NewPlanningService 创建 PlanningService 实例
func NewPlanningService(
	cfg *config.Config,
	repo *repository.Repository,
	locker SlotLocker,
	bus *eventbus.Bus,
	logger *zap.Logger,
) PlanningService {
	return &planningService{
		cfg:        cfg,
		repo:       repo,
		validation: newValidationService(cfg, repo, locker, bus, logger),
		bus:        bus,
		logger:     logger,
	}
}

func (s *planningService) Save(ctx context.Context, actor Actor, eventID string, req *dto.PlanningRequest) (*dto.PlanningResponse, error) {
	ev, err := s.validation.getEvent(ctx, eventID)
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

	loc := s.cfg.Location()
	slots, err := ev.DomainSlots()
	if err != nil {
		return nil, err
	}

	sess := planner.Open(eventID, inLocation(slots, loc),
		planner.WithBus(s.bus),
		planner.WithActor(actor.UserID),
		planner.WithConcurrency(s.cfg.Workflow.BulkConcurrency),
	)
	defer sess.Close()

	rows := make([]workflow.DraftRow, len(req.Rows))
	for i, in := range req.Rows {
		rows[i] = in.Row()
	}
	if err := sess.Replace(rows); err != nil {
		return nil, err
	}

	gw := &storeGateway{svc: s, event: ev, actor: actor, role: role, loc: loc}
	res, err := sess.Save(ctx, gw)
	if errors.Is(err, planner.ErrNothingToSave) {
		resp := dto.PlanningResponse{Deleted: []string{}, Event: toEventResponse(ev, role)}
		return &resp, nil
	}
	var saveErr *planner.SaveError
	if err != nil && !errors.As(err, &saveErr) {
		return nil, err
	}

	// 时间结构变化按事件编辑规则重新打开审核
	fresh := gw.fetched
	if fresh == nil {
		fresh = ev
	}
	if !res.Plan.Empty() {
		s.validation.reopenEvent(ctx, fresh, role, workflow.EditScope{Times: true}, actor.UserID)
	}

	resp := &dto.PlanningResponse{
		Created:    len(res.Plan.ToCreate),
		Updated:    len(res.Plan.ToUpdate),
		Deleted:    res.Plan.ToDelete,
		Recomputed: res.Recomputed,
	}
	if resp.Deleted == nil {
		resp.Deleted = []string{}
	}
	if saveErr != nil {
		for _, f := range saveErr.Failures {
			resp.Failed = append(resp.Failed, f.SlotID)
		}
	}

	// 重算后以最终状态返回
	if final, err := s.validation.getEvent(ctx, eventID); err == nil {
		fresh = final
	}
	resp.Event = toEventResponse(fresh, role)

	if saveErr != nil {
		return resp, saveErr
	}
	return resp, nil
}

// inLocation 草稿行按业务时区显示时间；timeslotDate 是日历日期，保持不变
func inLocation(slots []workflow.Slot, loc *time.Location) []workflow.Slot {
	out := make([]workflow.Slot, len(slots))
	for i, sl := range slots {
		sl.Actual.Start = sl.Actual.Start.In(loc)
		sl.Actual.End = sl.Actual.End.In(loc)
		out[i] = sl
	}
	return out
}

// ════════════════════════════════════════════════════════════
// storeGateway 进程内网关：会话的远端操作直接落到存储层
// ════════════════════════════════════════════════════════════

type storeGateway struct {
	svc     *planningService
	event   *model.Event
	actor   Actor
	role    workflow.Role
	loc     *time.Location
	fetched *model.Event
}

func (g *storeGateway) UpdateSlot(ctx context.Context, eventID string, u workflow.SlotUpdate) error {
	slot, err := g.svc.repo.Slot.GetByID(ctx, u.Row.ID)
	if err != nil {
		if isNotFound(err) {
			return ErrSlotNotFound
		}
		return err
	}
	if slot.EventID != eventID {
		return ErrSlotNotFound
	}
	terms, err := u.Row.Terms(g.loc)
	if err != nil {
		return err
	}
	salle := append([]int64{}, u.Row.SalleIDs...)
	class := append([]int64{}, u.Row.ClassIDs...)

	_, err = g.svc.validation.applyOne(ctx, g.event, g.role, slot, workflow.ActionEdit, workflow.Payload{
		Terms:    &terms,
		SalleIDs: &salle,
		ClassIDs: &class,
		ActorID:  g.actor.UserID,
	})
	return err
}

func (g *storeGateway) DeleteSlot(ctx context.Context, eventID, slotID string) error {
	unlock, err := g.svc.validation.locker.Lock(ctx, slotID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := g.svc.repo.Slot.Delete(ctx, eventID, slotID); err != nil {
		if isNotFound(err) {
			return ErrSlotNotFound
		}
		return err
	}
	return nil
}

func (g *storeGateway) CreateSlots(ctx context.Context, eventID string, rows []workflow.DraftRow) error {
	_, models, err := newSlotModels(eventID, g.actor.UserID, rows, g.loc)
	if err != nil {
		return err
	}
	return g.svc.repo.Slot.BatchCreate(ctx, models)
}

func (g *storeGateway) FetchEvent(ctx context.Context, eventID string) (*planner.EventView, error) {
	ev, err := g.svc.validation.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	slots, err := ev.DomainSlots()
	if err != nil {
		return nil, err
	}
	st, err := ev.Status()
	if err != nil {
		return nil, err
	}
	g.fetched = ev
	return &planner.EventView{
		ID:        ev.EventID,
		SalleIDs:  ev.SalleIDs,
		ClassIDs:  ev.ClassIDs,
		StartDate: ev.StartDate,
		EndDate:   ev.EndDate,
		Status:    st,
		Slots:     inLocation(slots, g.loc),
	}, nil
}

func (g *storeGateway) RecomputeEventDerived(ctx context.Context, eventID string) error {
	_, _, err := g.svc.validation.recompute(ctx, eventID)
	return err
}

var _ planner.Gateway = (*storeGateway)(nil)
