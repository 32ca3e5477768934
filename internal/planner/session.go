// Package planner 时段规划编辑会话：暂存草稿行，保存时计算差异并批量提交。
package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
)

var (
	ErrNothingToSave = errors.New("没有需要保存的修改")
	ErrSessionClosed = errors.New("编辑会话已关闭")
	ErrRowNotFound   = errors.New("草稿行不存在")
)

// EventView 服务端返回的事件权威状态
type EventView struct {
	ID        string
	SalleIDs  []int64
	ClassIDs  []int64
	StartDate *time.Time
	EndDate   *time.Time
	Status    workflow.EventStatus
	Slots     []workflow.Slot
}

// Stale 存储的派生字段（房间/班级、起止边界、validationState）与时段集合不一致
func (v *EventView) Stale() bool {
	if workflow.Derive(v.Slots).Differs(v.SalleIDs, v.ClassIDs, v.StartDate, v.EndDate) {
		return true
	}
	return workflow.SlotsChanged(v.Status, v.Slots).ValidationState != v.Status.ValidationState
}

// Gateway 会话保存时使用的远端操作
type Gateway interface {
	UpdateSlot(ctx context.Context, eventID string, u workflow.SlotUpdate) error
	DeleteSlot(ctx context.Context, eventID, slotID string) error
	CreateSlots(ctx context.Context, eventID string, rows []workflow.DraftRow) error
	FetchEvent(ctx context.Context, eventID string) (*EventView, error)
	RecomputeEventDerived(ctx context.Context, eventID string) error
}

// OpError 单个写操作失败
type OpError struct {
	Op     string // create / update / delete
	SlotID string
	Err    error
}

func (e OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.SlotID, e.Err)
}

func (e OpError) Unwrap() error { return e.Err }

// SaveError 保存不是原子的：部分写操作失败时返回，已成功的写入保留
type SaveError struct {
	Failures []OpError
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("保存部分失败: %d 个操作出错，首个错误: %v", len(e.Failures), e.Failures[0])
}

func (e *SaveError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// SaveResult 一次保存的结果
type SaveResult struct {
	Plan       workflow.Plan
	Event      *EventView
	Recomputed bool
}

// Session 单个事件的编辑会话
type Session struct {
	mu        sync.Mutex
	eventID   string
	actorID   string
	originals []workflow.DraftRow
	rows      []workflow.DraftRow
	open      bool
	seq       int
	limit     int
	bus       *eventbus.Bus
}

// Option 会话选项
type Option func(*Session)

// WithBus 保存成功后在总线上发布 PlanSaved
func WithBus(b *eventbus.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithConcurrency 更新/删除的并发上限，<=0 表示不限制
func WithConcurrency(n int) Option {
	return func(s *Session) { s.limit = n }
}

// WithActor 记录操作人，用于通知
func WithActor(id string) Option {
	return func(s *Session) { s.actorID = id }
}

// Open 以事件当前的时段打开会话
func Open(eventID string, slots []workflow.Slot, opts ...Option) *Session {
	s := &Session{eventID: eventID, open: true}
	for _, o := range opts {
		o(s)
	}
	s.reset(slots)
	return s
}

func (s *Session) reset(slots []workflow.Slot) {
	s.originals = make([]workflow.DraftRow, 0, len(slots))
	for _, sl := range slots {
		s.originals = append(s.originals, workflow.RowFromSlot(sl))
	}
	s.rows = cloneRows(s.originals)
}

func cloneRows(rows []workflow.DraftRow) []workflow.DraftRow {
	out := make([]workflow.DraftRow, len(rows))
	for i, r := range rows {
		r.SalleIDs = append([]int64(nil), r.SalleIDs...)
		r.ClassIDs = append([]int64(nil), r.ClassIDs...)
		if r.Original != nil {
			o := *r.Original
			r.Original = &o
		}
		out[i] = r
	}
	return out
}

// EventID 会话对应的事件
func (s *Session) EventID() string { return s.eventID }

// Rows 当前草稿行的拷贝
func (s *Session) Rows() []workflow.DraftRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRows(s.rows)
}

// Add 追加新行，返回分配的临时 ID。新行不带原始快照。
func (s *Session) Add(row workflow.DraftRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", ErrSessionClosed
	}
	s.seq++
	row.ID = fmt.Sprintf("draft-%d", s.seq)
	row.Original = nil
	s.rows = append(s.rows, row)
	return row.ID, nil
}

// Update 修改指定行；原始快照保持不变
func (s *Session) Update(id string, fn func(r *workflow.DraftRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrSessionClosed
	}
	for i := range s.rows {
		if s.rows[i].ID == id {
			orig := s.rows[i].Original
			fn(&s.rows[i])
			s.rows[i].ID = id
			s.rows[i].Original = orig
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRowNotFound, id)
}

// Remove 删除指定行
func (s *Session) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrSessionClosed
	}
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRowNotFound, id)
}

// Replace 整体替换草稿。已有时段按 ID 沿用打开时的快照，其余行视为新建。
// 同一已有 ID 出现多次时只保留最后一行，保证每个时段最多一个写操作。
func (s *Session) Replace(rows []workflow.DraftRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrSessionClosed
	}
	snaps := make(map[string]*workflow.Snapshot, len(s.originals))
	for _, o := range s.originals {
		snaps[o.ID] = o.Original
	}
	pos := make(map[string]int, len(rows))
	next := make([]workflow.DraftRow, 0, len(rows))
	for _, r := range rows {
		if snap, ok := snaps[r.ID]; ok && r.ID != "" {
			r.Original = snap
			if i, dup := pos[r.ID]; dup {
				next[i] = r
				continue
			}
			pos[r.ID] = len(next)
		} else {
			s.seq++
			r.ID = fmt.Sprintf("draft-%d", s.seq)
			r.Original = nil
		}
		next = append(next, r)
	}
	s.rows = cloneRows(next)
	return nil
}

// Plan 预览保存时会执行的写操作
func (s *Session) Plan() workflow.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return workflow.DiffSlotDraft(s.originals, s.rows)
}

// Close 关闭会话并丢弃草稿；之后返回的保存结果被忽略
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.rows = nil
}

// IsOpen 会话是否仍然打开
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Save 保存草稿：
// 校验 → 计算差异 → 并发执行更新与删除 → 一次批量新建 → 重新读取事件一次 →
// 派生字段与时段集合不一致时才触发重算。保存不是原子的，部分失败以 *SaveError 返回。
func (s *Session) Save(ctx context.Context, gw Gateway) (*SaveResult, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	rows := cloneRows(s.rows)
	originals := cloneRows(s.originals)
	s.mu.Unlock()

	if err := workflow.ValidateDraft(rows); err != nil {
		return nil, err
	}
	plan := workflow.DiffSlotDraft(originals, rows)
	if plan.Empty() {
		return nil, ErrNothingToSave
	}

	var (
		failMu   sync.Mutex
		failures []OpError
	)
	fail := func(op, id string, err error) {
		failMu.Lock()
		failures = append(failures, OpError{Op: op, SlotID: id, Err: err})
		failMu.Unlock()
	}

	// 单个失败不取消其他操作
	var g errgroup.Group
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}
	for _, u := range plan.ToUpdate {
		g.Go(func() error {
			if err := gw.UpdateSlot(ctx, s.eventID, u); err != nil {
				fail("update", u.Row.ID, err)
			}
			return nil
		})
	}
	for _, id := range plan.ToDelete {
		g.Go(func() error {
			if err := gw.DeleteSlot(ctx, s.eventID, id); err != nil {
				fail("delete", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(plan.ToCreate) > 0 {
		if err := gw.CreateSlots(ctx, s.eventID, plan.ToCreate); err != nil {
			fail("create", "", err)
		}
	}

	ev, err := gw.FetchEvent(ctx, s.eventID)
	if err != nil {
		return nil, fmt.Errorf("重新读取事件失败: %w", err)
	}

	res := &SaveResult{Plan: plan, Event: ev}
	if ev.Stale() {
		if err := gw.RecomputeEventDerived(ctx, s.eventID); err != nil {
			return nil, fmt.Errorf("重算事件派生字段失败: %w", err)
		}
		res.Recomputed = true
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.reset(ev.Slots)
	s.mu.Unlock()

	s.bus.Publish(ctx, eventbus.Change{
		Kind:    eventbus.PlanSaved,
		EventID: s.eventID,
		ActorID: s.actorID,
		Detail:  fmt.Sprintf("create=%d update=%d delete=%d", len(plan.ToCreate), len(plan.ToUpdate), len(plan.ToDelete)),
	})

	if len(failures) > 0 {
		return res, &SaveError{Failures: failures}
	}
	return res, nil
}
