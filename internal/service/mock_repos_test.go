package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"labflow/config"
	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/internal/workflow"
	"labflow/pkg/eventbus"
	pkgerrors "labflow/pkg/errors"
)

// ── 内存存储：三个 mock repository 共享，模拟 GetByID 预加载时段 ──

type memStore struct {
	mu     sync.Mutex
	users  map[string]*model.User
	events map[string]*model.Event
	slots  map[string]*model.Slot
	seq    int

	// 计数与故障注入
	eventGets    int
	recomputes   int
	recomputeErr error
	slotUpdateFn func(id string) error
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*model.User),
		events: make(map[string]*model.Event),
		slots:  make(map[string]*model.Slot),
	}
}

func (m *memStore) repo() *repository.Repository {
	return &repository.Repository{
		User:  &mockUserRepo{m},
		Event: &mockEventRepo{m},
		Slot:  &mockSlotRepo{m},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func cloneSlot(s *model.Slot) model.Slot {
	c := *s
	c.SalleIDs = append(pq.Int64Array(nil), s.SalleIDs...)
	c.ClassIDs = append(pq.Int64Array(nil), s.ClassIDs...)
	c.ModifiedBy = append([]byte(nil), s.ModifiedBy...)
	return c
}

func cloneEvent(e *model.Event) model.Event {
	c := *e
	c.SalleIDs = append(pq.Int64Array(nil), e.SalleIDs...)
	c.ClassIDs = append(pq.Int64Array(nil), e.ClassIDs...)
	c.LastStateChange = append([]byte(nil), e.LastStateChange...)
	c.Slots = nil
	return c
}

// slotsOf 调用方需持有 mu
func (m *memStore) slotsOf(eventID string) []model.Slot {
	var out []model.Slot
	for _, s := range m.slots {
		if s.EventID == eventID {
			out = append(out, cloneSlot(s))
		}
	}
	slices.SortFunc(out, func(a, b model.Slot) int {
		if c := a.StartDate.Compare(b.StartDate); c != 0 {
			return c
		}
		return strings.Compare(a.SlotID, b.SlotID)
	})
	return out
}

// ── Mock UserRepository ──

type mockUserRepo struct{ *memStore }

func (r *mockUserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.UserID == "" {
		u.UserID = r.nextID("user")
	}
	c := *u
	r.users[u.UserID] = &c
	return nil
}

func (r *mockUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *mockUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// ── Mock EventRepository ──

type mockEventRepo struct{ *memStore }

func (r *mockEventRepo) Create(_ context.Context, ev *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.EventID == "" {
		ev.EventID = r.nextID("event")
	}
	ev.Version = 1
	c := cloneEvent(ev)
	r.events[ev.EventID] = &c
	for i := range ev.Slots {
		ev.Slots[i].EventID = ev.EventID
		ev.Slots[i].Version = 1
		s := cloneSlot(&ev.Slots[i])
		r.slots[s.SlotID] = &s
	}
	return nil
}

func (r *mockEventRepo) GetByID(_ context.Context, id string) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventGets++
	e, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := cloneEvent(e)
	c.Slots = r.slotsOf(id)
	return &c, nil
}

func (r *mockEventRepo) List(_ context.Context, f repository.EventFilter) ([]model.Event, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.Event
	for _, e := range r.events {
		if f.OwnerID != "" && e.OwnerID != f.OwnerID {
			continue
		}
		if f.State != "" && e.State != f.State {
			continue
		}
		all = append(all, cloneEvent(e))
	}
	slices.SortFunc(all, func(a, b model.Event) int { return strings.Compare(a.EventID, b.EventID) })
	total := int64(len(all))
	if f.Offset >= len(all) {
		return []model.Event{}, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], total, nil
}

func (r *mockEventRepo) ListIDsByState(_ context.Context, state string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.events {
		if e.State == state {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *mockEventRepo) Update(_ context.Context, ev *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.events[ev.EventID]
	if !ok || cur.Version != ev.Version {
		return pkgerrors.ErrOptimisticLock
	}
	cur.Title = ev.Title
	cur.Description = ev.Description
	cur.Discipline = ev.Discipline
	cur.Materials = ev.Materials
	cur.State = ev.State
	cur.ValidationState = ev.ValidationState
	cur.LastStateChange = append([]byte(nil), ev.LastStateChange...)
	cur.Version++
	ev.Version = cur.Version
	return nil
}

func (r *mockEventRepo) Recompute(_ context.Context, id string, fn repository.RecomputeFunc) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputes++
	if r.recomputeErr != nil {
		return nil, r.recomputeErr
	}
	cur, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	ev := cloneEvent(cur)
	write, err := fn(&ev, r.slotsOf(id))
	if err != nil {
		return nil, err
	}
	if write {
		cur.SalleIDs = ev.SalleIDs
		cur.ClassIDs = ev.ClassIDs
		cur.StartDate = ev.StartDate
		cur.EndDate = ev.EndDate
		cur.ValidationState = ev.ValidationState
		return &ev, nil
	}
	c := cloneEvent(cur)
	return &c, nil
}

// ── Mock SlotRepository ──

type mockSlotRepo struct{ *memStore }

func (r *mockSlotRepo) GetByID(_ context.Context, id string) (*model.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		c := cloneSlot(s)
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *mockSlotRepo) ListByEvent(_ context.Context, eventID string) ([]model.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slotsOf(eventID), nil
}

func (r *mockSlotRepo) BatchCreate(_ context.Context, slots []model.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range slots {
		if slots[i].SlotID == "" {
			slots[i].SlotID = r.nextID("slot")
		}
		slots[i].Version = 1
		c := cloneSlot(&slots[i])
		r.slots[c.SlotID] = &c
	}
	return nil
}

func (r *mockSlotRepo) Update(_ context.Context, s *model.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slotUpdateFn != nil {
		if err := r.slotUpdateFn(s.SlotID); err != nil {
			return err
		}
	}
	cur, ok := r.slots[s.SlotID]
	if !ok || cur.Version != s.Version {
		return pkgerrors.ErrOptimisticLock
	}
	c := cloneSlot(s)
	c.Version = cur.Version + 1
	r.slots[s.SlotID] = &c
	s.Version = c.Version
	return nil
}

func (r *mockSlotRepo) Delete(_ context.Context, eventID, slotID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.EventID != eventID {
		return gorm.ErrRecordNotFound
	}
	delete(r.slots, slotID)
	return nil
}

// ── 测试辅助 ──

const (
	ownerID    = "owner-1"
	operatorID = "operator-1"
	strangerID = "stranger-1"
)

var (
	asOwner    = Actor{UserID: ownerID}
	asOperator = Actor{UserID: operatorID, CanOperate: true}
	asStranger = Actor{UserID: strangerID}
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Timezone: "UTC"},
		Auth:     config.AuthConfig{JWTSecret: "0123456789abcdef-test", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		Workflow: config.WorkflowConfig{BulkConcurrency: 2, SlotLockTTL: time.Second},
	}
}

// at 解析 "2006-01-02T15:04"（UTC）
func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedSlot 构造指定状态的时段模型；counter_proposed 时由 proposedBy 一方提议 +1h
func seedSlot(id, state string, start string, salles ...int64) model.Slot {
	st := at(start)
	s := model.Slot{
		SlotID:       id,
		StartDate:    st,
		EndDate:      st.Add(90 * time.Minute),
		TimeslotDate: time.Date(st.Year(), st.Month(), st.Day(), 0, 0, 0, 0, time.UTC),
		SalleIDs:     pq.Int64Array(salles),
		ClassIDs:     pq.Int64Array{},
		State:        state,
		ModifiedBy:   []byte("[]"),
	}
	if state == string(workflow.StateCounterProposed) {
		ps, pe, pd := st.Add(time.Hour), st.Add(150*time.Minute), s.TimeslotDate
		notes := ""
		s.ProposedStartDate, s.ProposedEndDate, s.ProposedTimeslotDate, s.ProposedNotes = &ps, &pe, &pd, &notes
		s.ProposedBy = string(workflow.RoleOperator)
	}
	return s
}

// seedEvent 写入一个属于 ownerID 的事件；派生字段按时段计算
func seedEvent(t interface{ Fatalf(string, ...any) }, m *memStore, id, state string, slots ...model.Slot) *model.Event {
	ev := &model.Event{
		EventID:         id,
		Title:           "TP chimie",
		OwnerID:         ownerID,
		State:           state,
		ValidationState: string(workflow.OperatorPending),
		Slots:           slots,
	}
	d := make([]workflow.Slot, 0, len(slots))
	for i := range slots {
		ds, err := slots[i].ToDomain()
		if err != nil {
			t.Fatalf("seed slot: %v", err)
		}
		d = append(d, ds)
	}
	ev.SetDerived(workflow.Derive(d))
	if err := m.repo().Event.Create(context.Background(), ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}

func newTestValidation(m *memStore) (*validationService, *eventbus.Bus) {
	bus := eventbus.New()
	return newValidationService(testConfig(), m.repo(), newMemoryLocker(), bus, zap.NewNop()), bus
}
