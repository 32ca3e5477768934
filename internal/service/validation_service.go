package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"labflow/config"
	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
	pkgerrors "labflow/pkg/errors"
)

// ValidationService 时段审核编排：单个/批量时段动作与事件汇总重算
type ValidationService interface {
	// ApplySlotAction 对单个时段执行动作，持久化后重算事件汇总
	ApplySlotAction(ctx context.Context, actor Actor, slotID string, req *dto.SlotActionRequest) (*dto.SlotActionResponse, error)
	// ApplyBulkSlotAction 对同一事件的多个时段执行同一动作。
	// 整体不会失败：逐个返回结果，有失败时附带 *workflow.BulkError。
	ApplyBulkSlotAction(ctx context.Context, actor Actor, eventID string, req *dto.BulkSlotActionRequest) (*dto.BulkSlotActionResponse, error)
	// RecomputeEventDerived 重算事件派生字段，幂等
	RecomputeEventDerived(ctx context.Context, eventID string) (*dto.RecomputeResponse, error)
}

type validationService struct {
	cfg    *config.Config
	repo   *repository.Repository
	locker SlotLocker
	bus    *eventbus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewValidationService 创建 ValidationService 实例
func NewValidationService(
	cfg *config.Config,
	repo *repository.Repository,
	locker SlotLocker,
	bus *eventbus.Bus,
	logger *zap.Logger,
) ValidationService {
	return newValidationService(cfg, repo, locker, bus, logger)
}

func newValidationService(
	cfg *config.Config,
	repo *repository.Repository,
	locker SlotLocker,
	bus *eventbus.Bus,
	logger *zap.Logger,
) *validationService {
	return &validationService{
		cfg:    cfg,
		repo:   repo,
		locker: locker,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// ════════════════════════════════════════════════════════════
// ApplySlotAction
// ════════════════════════════════════════════════════════════

func (s *validationService) ApplySlotAction(ctx context.Context, actor Actor, slotID string, req *dto.SlotActionRequest) (*dto.SlotActionResponse, error) {
	slot, err := s.repo.Slot.GetByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSlotNotFound
		}
		s.logger.Error("查询时段失败", zap.String("slot_id", slotID), zap.Error(err))
		return nil, err
	}
	ev, err := s.getEvent(ctx, slot.EventID)
	if err != nil {
		return nil, err
	}
	role := roleFor(actor, ev)

	action := workflow.Action(req.Action)
	payload := workflow.Payload{
		Terms:    termsFromInput(req.Terms, s.cfg.Location()),
		SalleIDs: req.SalleIDs,
		ClassIDs: req.ClassIDs,
		Reason:   req.Reason,
		ActorID:  actor.UserID,
	}

	res, err := s.applyOne(ctx, ev, role, slot, action, payload)
	if err != nil {
		return nil, err
	}

	if action == workflow.ActionEdit {
		s.reopenEvent(ctx, ev, role, res.scope, actor.UserID)
	}

	s.bus.Publish(ctx, eventbus.Change{
		Kind:    eventbus.SlotChanged,
		EventID: ev.EventID,
		SlotIDs: []string{slotID},
		ActorID: actor.UserID,
		Detail:  fmt.Sprintf("%s: %s → %s", action, res.outcome.From, res.outcome.To),
	})

	resp := &dto.SlotActionResponse{
		Slot:       toSlotResponse(res.slot),
		PriorState: string(res.outcome.From),
		NewState:   string(res.outcome.To),
		Changed:    fieldNames(res.outcome.Changed),
	}

	updated, _, err := s.recompute(ctx, ev.EventID)
	if err != nil {
		// 时段已写入，只有汇总失败
		return resp, err
	}
	er := toEventResponse(updated, role)
	resp.Event = &er
	return resp, nil
}

type slotResult struct {
	slot    *model.Slot
	outcome workflow.Outcome
	scope   workflow.EditScope
}

// applyOne 加处理中标记 → 状态机 → 乐观锁写回。slot 会被原地更新。
func (s *validationService) applyOne(
	ctx context.Context,
	ev *model.Event,
	role workflow.Role,
	slot *model.Slot,
	action workflow.Action,
	p workflow.Payload,
) (*slotResult, error) {
	unlock, err := s.locker.Lock(ctx, slot.SlotID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if slot.EventID != ev.EventID {
		return nil, ErrSlotNotFound
	}
	if workflow.EventState(ev.State) == workflow.EventCancelled {
		return nil, &workflow.SlotError{SlotID: slot.SlotID, Action: action, State: workflow.State(slot.State), Err: workflow.ErrInvalidTransition}
	}

	current, err := slot.ToDomain()
	if err != nil {
		s.logger.Error("时段数据不一致", zap.String("slot_id", slot.SlotID), zap.Error(err))
		return nil, err
	}

	if p.At.IsZero() {
		p.At = s.now()
	}
	next, outcome, err := workflow.Apply(current, role, action, p)
	if err != nil {
		return nil, err
	}

	if err := slot.FromDomain(next); err != nil {
		return nil, err
	}
	actorID := p.ActorID
	slot.UpdatedBy = &actorID
	if err := s.repo.Slot.Update(ctx, slot); err != nil {
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, ErrStaleSlot
		}
		s.logger.Error("写入时段失败", zap.String("slot_id", slot.SlotID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("时段状态变更",
		zap.String("slot_id", slot.SlotID),
		zap.String("event_id", ev.EventID),
		zap.String("action", string(action)),
		zap.String("role", string(role)),
		zap.String("from", string(outcome.From)),
		zap.String("to", string(outcome.To)),
	)

	return &slotResult{slot: slot, outcome: outcome, scope: scopeOf(outcome.Changed)}, nil
}

func scopeOf(changed []workflow.Field) workflow.EditScope {
	var sc workflow.EditScope
	for _, f := range changed {
		switch f {
		case workflow.FieldStartDate, workflow.FieldEndDate, workflow.FieldTimeslotDate:
			sc.Times = true
		case workflow.FieldSalleIDs, workflow.FieldClassIDs:
			sc.Rooms = true
		case workflow.FieldNotes:
			sc.Description = true
		}
	}
	return sc
}

func fieldNames(fs []workflow.Field) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, string(f))
	}
	return out
}

// reopenEvent 时段结构性修改后按事件编辑规则更新事件状态；失败只记录日志，由重算兜底
func (s *validationService) reopenEvent(ctx context.Context, ev *model.Event, role workflow.Role, scope workflow.EditScope, actorID string) {
	if !scope.Any() {
		return
	}
	st, err := ev.Status()
	if err != nil {
		s.logger.Warn("解析事件状态失败", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	next := workflow.ApplyEdit(st, role, scope, actorID, s.now())
	if next.State == st.State && next.ValidationState == st.ValidationState {
		return
	}
	if err := ev.SetStatus(next); err != nil {
		s.logger.Warn("写入事件状态失败", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	ev.UpdatedBy = &actorID
	if err := s.repo.Event.Update(ctx, ev); err != nil {
		s.logger.Warn("更新事件状态失败", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

// ════════════════════════════════════════════════════════════
// ApplyBulkSlotAction
// ════════════════════════════════════════════════════════════

func (s *validationService) ApplyBulkSlotAction(ctx context.Context, actor Actor, eventID string, req *dto.BulkSlotActionRequest) (*dto.BulkSlotActionResponse, error) {
	ev, err := s.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	// 角色只解析一次
	role := roleFor(actor, ev)
	action := workflow.Action(req.Action)

	byID := make(map[string]*model.Slot, len(ev.Slots))
	for i := range ev.Slots {
		byID[ev.Slots[i].SlotID] = &ev.Slots[i]
	}

	ids := dedupe(req.SlotIDs)
	results := make([]dto.BulkItemResult, len(ids))
	scopes := make([]workflow.EditScope, len(ids))
	at := s.now()

	var g errgroup.Group
	if s.cfg.Workflow.BulkConcurrency > 0 {
		g.SetLimit(s.cfg.Workflow.BulkConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			results[i] = dto.BulkItemResult{SlotID: id}
			slot, ok := byID[id]
			if !ok {
				results[i].Error = ErrSlotNotFound.Error()
				results[i].Code = BulkErrorCode(ErrSlotNotFound)
				return nil
			}
			p := workflow.Payload{
				Terms:   termsFromInput(req.Terms, s.cfg.Location()),
				Reason:  req.Reason,
				ActorID: actor.UserID,
				At:      at,
			}
			res, err := s.applyOne(ctx, ev, role, slot, action, p)
			if err != nil {
				results[i].Error = err.Error()
				results[i].Code = BulkErrorCode(err)
				return nil
			}
			results[i].OK = true
			scopes[i] = res.scope
			return nil
		})
	}
	_ = g.Wait()

	var (
		failed    []string
		succeeded []string
		scope     workflow.EditScope
	)
	for i, r := range results {
		if r.OK {
			succeeded = append(succeeded, r.SlotID)
			scope = mergeScope(scope, scopes[i])
		} else {
			failed = append(failed, r.SlotID)
		}
	}

	if action == workflow.ActionEdit && len(succeeded) > 0 {
		s.reopenEvent(ctx, ev, role, scope, actor.UserID)
	}

	resp := &dto.BulkSlotActionResponse{
		Action:  string(action),
		Results: results,
		Failed:  failed,
	}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}

	// 所有时段处理完毕后只重算一次、只重新读取一次
	if _, _, err := s.recompute(ctx, eventID); err != nil {
		return resp, err
	}
	fresh, err := s.getEvent(ctx, eventID)
	if err != nil {
		return resp, err
	}
	er := toEventResponse(fresh, role)
	resp.Event = &er

	if len(succeeded) > 0 {
		s.bus.Publish(ctx, eventbus.Change{
			Kind:    eventbus.SlotChanged,
			EventID: eventID,
			SlotIDs: succeeded,
			ActorID: actor.UserID,
			Detail:  fmt.Sprintf("bulk %s: %d ok, %d failed", action, len(succeeded), len(failed)),
		})
	}

	if len(failed) > 0 {
		return resp, &workflow.BulkError{Action: action, Failed: failed}
	}
	return resp, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func mergeScope(a, b workflow.EditScope) workflow.EditScope {
	return workflow.EditScope{
		Title:       a.Title || b.Title,
		Description: a.Description || b.Description,
		Rooms:       a.Rooms || b.Rooms,
		Materials:   a.Materials || b.Materials,
		Times:       a.Times || b.Times,
	}
}

// ════════════════════════════════════════════════════════════
// RecomputeEventDerived
// ════════════════════════════════════════════════════════════

func (s *validationService) RecomputeEventDerived(ctx context.Context, eventID string) (*dto.RecomputeResponse, error) {
	ev, changed, err := s.recompute(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &dto.RecomputeResponse{
		Changed:   changed,
		SalleIDs:  workflow.NormalizeIDs(ev.SalleIDs),
		ClassIDs:  workflow.NormalizeIDs(ev.ClassIDs),
		StartDate: ev.StartDate,
		EndDate:   ev.EndDate,
	}, nil
}

// recompute 在事务内锁定事件行，按时段集合重新推导派生字段与 validationState，只在有变化时写回
func (s *validationService) recompute(ctx context.Context, eventID string) (*model.Event, bool, error) {
	var changed bool
	ev, err := s.repo.Event.Recompute(ctx, eventID, func(ev *model.Event, slots []model.Slot) (bool, error) {
		domain := make([]workflow.Slot, 0, len(slots))
		for i := range slots {
			d, err := slots[i].ToDomain()
			if err != nil {
				return false, err
			}
			domain = append(domain, d)
		}

		st, err := ev.Status()
		if err != nil {
			return false, err
		}
		derived := workflow.Derive(domain)
		next := workflow.SlotsChanged(st, domain)

		// changed 与是否写回一致：派生字段或 validationState 任一变化都会写库
		changed = derived.Differs(ev.SalleIDs, ev.ClassIDs, ev.StartDate, ev.EndDate) ||
			next.ValidationState != st.ValidationState
		if !changed {
			return false, nil
		}
		ev.SetDerived(derived)
		ev.ValidationState = string(next.ValidationState)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrEventNotFound
		}
		s.logger.Error("重算事件汇总失败", zap.String("event_id", eventID), zap.Error(err))
		return nil, false, fmt.Errorf("%w: %v", ErrAggregateWrite, err)
	}

	if changed {
		s.bus.Publish(ctx, eventbus.Change{
			Kind:    eventbus.AggregateRecomputed,
			EventID: eventID,
			Detail:  fmt.Sprintf("salleIds=%v classIds=%v validationState=%s", []int64(ev.SalleIDs), []int64(ev.ClassIDs), ev.ValidationState),
		})
	}
	return ev, changed, nil
}

func (s *validationService) getEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.repo.Event.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		s.logger.Error("查询事件失败", zap.String("event_id", id), zap.Error(err))
		return nil, err
	}
	return ev, nil
}

// BulkErrorCode 批量结果中单项错误的业务码，与 HTTP 层错误映射一致
func BulkErrorCode(err error) int {
	var se *workflow.SlotError
	switch {
	case errors.Is(err, workflow.ErrInvalidTimeRange):
		return CodeInvalidTimeRange
	case errors.Is(err, workflow.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, workflow.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrSlotBusy):
		return CodeSlotBusy
	case errors.Is(err, ErrStaleSlot):
		return CodeStale
	case errors.Is(err, ErrSlotNotFound):
		return CodeSlotNotFound
	case errors.As(err, &se):
		return CodeInvalidTransition
	}
	return CodeInternal
}

// 时段/事件模块业务码
const (
	CodeEventNotFound     = 17001
	CodeSlotNotFound      = 17002
	CodePermissionDenied  = 17003
	CodeInvalidTransition = 17004
	CodeInvalidTimeRange  = 17005
	CodePartialBulk       = 17006
	CodeSlotBusy          = 17007
	CodeStale             = 17008
	CodeInvalidDraft      = 17009
	CodeAggregateWrite    = 17010
	CodeInternal          = 50000
)
