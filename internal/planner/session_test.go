package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
)

// ── 测试辅助 ──

type fakeGateway struct {
	mu         sync.Mutex
	updated    []string
	deleted    []string
	created    [][]workflow.DraftRow
	fetches    int
	recomputes int
	view       *EventView
	failUpdate map[string]error
	onFetch    func()
}

func (g *fakeGateway) UpdateSlot(_ context.Context, _ string, u workflow.SlotUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failUpdate[u.Row.ID]; err != nil {
		return err
	}
	g.updated = append(g.updated, u.Row.ID)
	return nil
}

func (g *fakeGateway) DeleteSlot(_ context.Context, _ string, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, id)
	return nil
}

func (g *fakeGateway) CreateSlots(_ context.Context, _ string, rows []workflow.DraftRow) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, rows)
	return nil
}

func (g *fakeGateway) FetchEvent(_ context.Context, _ string) (*EventView, error) {
	g.mu.Lock()
	g.fetches++
	hook := g.onFetch
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return g.view, nil
}

func (g *fakeGateway) RecomputeEventDerived(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recomputes++
	return nil
}

func slotAt(t *testing.T, id string, day, start, end string, salles ...int64) workflow.Slot {
	t.Helper()
	s, err := time.Parse("2006-01-02 15:04", day+" "+start)
	if err != nil {
		t.Fatal(err)
	}
	e, err := time.Parse("2006-01-02 15:04", day+" "+end)
	if err != nil {
		t.Fatal(err)
	}
	sl, err := workflow.NewSlot(id, "evt-1", workflow.Terms{Start: s, End: e}, salles, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sl
}

func TestSave_NothingToSave(t *testing.T) {
	sess := Open("evt-1", []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1)})
	gw := &fakeGateway{}
	if _, err := sess.Save(context.Background(), gw); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("期望 ErrNothingToSave，实际 %v", err)
	}
	if gw.fetches != 0 {
		t.Error("无修改时不应访问服务端")
	}
}

func TestSave_CreateUpdateDelete(t *testing.T) {
	slots := []workflow.Slot{
		slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1),
		slotAt(t, "b", "2025-03-11", "09:00", "10:00", 1),
	}
	bus := eventbus.New()
	var saved []eventbus.Change
	bus.Subscribe(func(_ context.Context, c eventbus.Change) { saved = append(saved, c) })

	sess := Open("evt-1", slots, WithBus(bus), WithConcurrency(2))
	if err := sess.Update("a", func(r *workflow.DraftRow) { r.SalleIDs = []int64{1, 2} }); err != nil {
		t.Fatal(err)
	}
	if err := sess.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Add(workflow.DraftRow{Date: "2025-03-12", Start: "14:00", End: "15:00"}); err != nil {
		t.Fatal(err)
	}

	after := []workflow.Slot{
		slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1, 2),
		slotAt(t, "c", "2025-03-12", "14:00", "15:00"),
	}
	gw := &fakeGateway{view: &EventView{ID: "evt-1", SalleIDs: []int64{1}, Slots: after}}

	res, err := sess.Save(context.Background(), gw)
	if err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if len(gw.updated) != 1 || gw.updated[0] != "a" {
		t.Errorf("期望更新 a，实际 %v", gw.updated)
	}
	if len(gw.deleted) != 1 || gw.deleted[0] != "b" {
		t.Errorf("期望删除 b，实际 %v", gw.deleted)
	}
	if len(gw.created) != 1 || len(gw.created[0]) != 1 {
		t.Errorf("新建应合并为一次批量请求，实际 %v", gw.created)
	}
	if gw.fetches != 1 {
		t.Errorf("期望只重新读取一次，实际 %d", gw.fetches)
	}
	if !res.Recomputed || gw.recomputes != 1 {
		t.Error("服务端房间集合与时段并集不一致时应触发重算")
	}
	if len(saved) != 1 || saved[0].Kind != eventbus.PlanSaved {
		t.Errorf("期望发布一次 PlanSaved，实际 %v", saved)
	}

	// 保存后以服务端结果为新的基线
	if p := sess.Plan(); !p.Empty() {
		t.Errorf("保存后草稿应与服务端一致，实际 %+v", p)
	}
}

func clock(t *testing.T, v string) *time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", v)
	if err != nil {
		t.Fatal(err)
	}
	return &ts
}

var pendingStatus = workflow.EventStatus{State: workflow.EventPending, ValidationState: workflow.OperatorPending}

func TestSave_SkipsRecomputeWhenDerivedUpToDate(t *testing.T) {
	slots := []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1)}
	sess := Open("evt-1", slots)
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.Start = "08:00" })

	moved := []workflow.Slot{slotAt(t, "a", "2025-03-10", "08:00", "10:00", 1)}
	gw := &fakeGateway{view: &EventView{
		ID:        "evt-1",
		SalleIDs:  []int64{1},
		StartDate: clock(t, "2025-03-10 08:00"),
		EndDate:   clock(t, "2025-03-10 10:00"),
		Status:    pendingStatus,
		Slots:     moved,
	}}
	res, err := sess.Save(context.Background(), gw)
	if err != nil {
		t.Fatal(err)
	}
	if res.Recomputed || gw.recomputes != 0 {
		t.Error("派生字段一致时不应重算")
	}
}

func TestSave_RecomputesWhenBoundsStale(t *testing.T) {
	slots := []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1)}
	sess := Open("evt-1", slots)
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.Start, r.End = "14:00", "15:00" })

	// 房间集合不变，但存储的起止时间仍是移动前的值
	moved := []workflow.Slot{slotAt(t, "a", "2025-03-10", "14:00", "15:00", 1)}
	gw := &fakeGateway{view: &EventView{
		ID:        "evt-1",
		SalleIDs:  []int64{1},
		StartDate: clock(t, "2025-03-10 09:00"),
		EndDate:   clock(t, "2025-03-10 10:00"),
		Status:    pendingStatus,
		Slots:     moved,
	}}
	res, err := sess.Save(context.Background(), gw)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Recomputed || gw.recomputes != 1 {
		t.Error("起止时间过期时应触发重算")
	}
}

func TestSave_RecomputesWhenValidationStateStale(t *testing.T) {
	slots := []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00", 1)}
	sess := Open("evt-1", slots)
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.End = "10:30" })

	// 起止与房间都已是最新，但 created 时段仍待审核
	gw := &fakeGateway{view: &EventView{
		ID:        "evt-1",
		SalleIDs:  []int64{1},
		StartDate: clock(t, "2025-03-10 09:00"),
		EndDate:   clock(t, "2025-03-10 10:30"),
		Status:    workflow.EventStatus{State: workflow.EventPending, ValidationState: workflow.NoPending},
		Slots:     []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:30", 1)},
	}}
	res, err := sess.Save(context.Background(), gw)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Recomputed {
		t.Error("存在待审核时段而 validationState 为 noPending 时应触发重算")
	}
}

func TestSave_InvalidDraftBlocks(t *testing.T) {
	sess := Open("evt-1", []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00")})
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.End = "08:00" })

	gw := &fakeGateway{}
	_, err := sess.Save(context.Background(), gw)
	if !errors.Is(err, workflow.ErrInvalidTimeRange) {
		t.Fatalf("期望 ErrInvalidTimeRange，实际 %v", err)
	}
	if len(gw.updated) != 0 || gw.fetches != 0 {
		t.Error("校验失败时不应发出任何请求")
	}
}

func TestSave_PartialFailure(t *testing.T) {
	slots := []workflow.Slot{
		slotAt(t, "a", "2025-03-10", "09:00", "10:00"),
		slotAt(t, "b", "2025-03-11", "09:00", "10:00"),
	}
	sess := Open("evt-1", slots)
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.End = "11:00" })
	_ = sess.Update("b", func(r *workflow.DraftRow) { r.End = "11:00" })

	boom := errors.New("boom")
	gw := &fakeGateway{
		view:       &EventView{ID: "evt-1", Slots: slots},
		failUpdate: map[string]error{"b": boom},
	}
	res, err := sess.Save(context.Background(), gw)
	var se *SaveError
	if !errors.As(err, &se) || len(se.Failures) != 1 || se.Failures[0].SlotID != "b" {
		t.Fatalf("期望 b 单独失败，实际 %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("SaveError 应能解包出原始错误")
	}
	if res == nil || len(gw.updated) != 1 {
		t.Error("其他写操作应照常完成")
	}
}

func TestSave_ClosedDuringSave(t *testing.T) {
	sess := Open("evt-1", []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00")})
	_ = sess.Update("a", func(r *workflow.DraftRow) { r.End = "11:00" })

	gw := &fakeGateway{view: &EventView{ID: "evt-1"}}
	gw.onFetch = sess.Close

	if _, err := sess.Save(context.Background(), gw); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("会话关闭后返回的结果应被丢弃，实际 %v", err)
	}
	if _, err := sess.Add(workflow.DraftRow{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("关闭后不能继续编辑，实际 %v", err)
	}
}

func TestReplace_KeepsSnapshots(t *testing.T) {
	sess := Open("evt-1", []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00")})
	err := sess.Replace([]workflow.DraftRow{
		{ID: "a", Date: "2025-03-10", Start: "09:00", End: "10:00"},
		{ID: "forged", Date: "2025-03-11", Start: "09:00", End: "10:00"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := sess.Plan()
	if len(p.ToUpdate) != 0 || len(p.ToCreate) != 1 || len(p.ToDelete) != 0 {
		t.Errorf("未知 ID 的行应视为新建，实际 %+v", p)
	}
}

func TestReplace_CollapsesDuplicateIDs(t *testing.T) {
	sess := Open("evt-1", []workflow.Slot{slotAt(t, "a", "2025-03-10", "09:00", "10:00")})
	err := sess.Replace([]workflow.DraftRow{
		{ID: "a", Date: "2025-03-10", Start: "09:30", End: "10:00"},
		{ID: "a", Date: "2025-03-10", Start: "11:00", End: "12:00"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rows := sess.Rows()
	if len(rows) != 1 || rows[0].Start != "11:00" {
		t.Fatalf("重复 ID 应合并为最后一行，实际 %+v", rows)
	}
	if p := sess.Plan(); len(p.ToUpdate) != 1 || len(p.ToCreate) != 0 {
		t.Errorf("同一时段只应产生一个更新，实际 %+v", p)
	}
}
