package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDraftRow 草稿行的日期或时间格式无法解析
var ErrInvalidDraftRow = errors.New("草稿行日期或时间格式错误")

// Snapshot 草稿行打开时的规范化快照
type Snapshot struct {
	Date     string  `json:"timeslotDate"`
	Start    string  `json:"start"`
	End      string  `json:"end"`
	SalleIDs []int64 `json:"salleIds"`
	ClassIDs []int64 `json:"classIds"`
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.Date == o.Date && s.Start == o.Start && s.End == o.End &&
		SameIDSet(s.SalleIDs, o.SalleIDs) && SameIDSet(s.ClassIDs, o.ClassIDs)
}

// DraftRow 编辑器中的一行。Original 为空表示新建行。
type DraftRow struct {
	ID       string    `json:"id"`
	Date     string    `json:"timeslotDate"` // YYYY-MM-DD
	Start    string    `json:"start"`        // HH:mm
	End      string    `json:"end"`          // HH:mm
	SalleIDs []int64   `json:"salleIds"`
	ClassIDs []int64   `json:"classIds"`
	Notes    string    `json:"notes"`
	Original *Snapshot `json:"original,omitempty"`
}

// Complete 日期、开始、结束都已填写
func (r DraftRow) Complete() bool {
	return strings.TrimSpace(r.Date) != "" && strings.TrimSpace(r.Start) != "" && strings.TrimSpace(r.End) != ""
}

// Snapshot 规范化：日期 YYYY-MM-DD，时间 HH:mm，ID 排序去重
func (r DraftRow) Snapshot() (Snapshot, error) {
	date, err := time.Parse(DateLayout, strings.TrimSpace(r.Date))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: 日期 %q", ErrInvalidDraftRow, r.Date)
	}
	start, err := parseClock(r.Start)
	if err != nil {
		return Snapshot{}, err
	}
	end, err := parseClock(r.End)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Date:     date.Format(DateLayout),
		Start:    start.Format(ClockLayout),
		End:      end.Format(ClockLayout),
		SalleIDs: NormalizeIDs(r.SalleIDs),
		ClassIDs: NormalizeIDs(r.ClassIDs),
	}, nil
}

// Terms 将草稿行换算成指定时区下的时间条款
func (r DraftRow) Terms(loc *time.Location) (Terms, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return Terms{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	day, _ := time.ParseInLocation(DateLayout, snap.Date, loc)
	start, _ := time.ParseInLocation(DateLayout+" "+ClockLayout, snap.Date+" "+snap.Start, loc)
	end, _ := time.ParseInLocation(DateLayout+" "+ClockLayout, snap.Date+" "+snap.End, loc)
	return Terms{Start: start, End: end, Date: day, Notes: r.Notes}, nil
}

// RowFromSlot 由已存储的时段生成草稿行，并记录打开时的快照
func RowFromSlot(s Slot) DraftRow {
	row := DraftRow{
		ID:       s.ID,
		Date:     s.Actual.Date.Format(DateLayout),
		Start:    s.Actual.Start.Format(ClockLayout),
		End:      s.Actual.End.Format(ClockLayout),
		SalleIDs: append([]int64(nil), s.SalleIDs...),
		ClassIDs: append([]int64(nil), s.ClassIDs...),
		Notes:    s.Actual.Notes,
	}
	if s.Actual.Date.IsZero() {
		row.Date = s.Actual.Start.Format(DateLayout)
	}
	if snap, err := row.Snapshot(); err == nil {
		row.Original = &snap
	}
	return row
}

func parseClock(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{ClockLayout, "15:04:05", "3:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: 时间 %q", ErrInvalidDraftRow, v)
}

// SlotUpdate 需要写回的已有时段，状态固定为 modified
type SlotUpdate struct {
	Row   DraftRow
	State State
}

// Plan 一次保存需要执行的写操作
type Plan struct {
	ToCreate []DraftRow
	ToUpdate []SlotUpdate
	ToDelete []string
}

// Empty 没有任何写操作
func (p Plan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.ToUpdate) == 0 && len(p.ToDelete) == 0
}

// DiffSlotDraft 比较打开时的时段与当前草稿：
//   - 未填写完整的行直接丢弃；
//   - 没有原始快照且不对应已有时段的行 → 新建；
//   - 规范化后与快照不同的行 → 更新并标记 modified；
//   - 原有时段在草稿中已不存在 → 删除。
//
// 未填写完整但仍保留在草稿中的已有行既不更新也不删除。
func DiffSlotDraft(originals, draft []DraftRow) Plan {
	baseline := make(map[string]*Snapshot, len(originals))
	for _, o := range originals {
		if o.ID == "" {
			continue
		}
		if o.Original != nil {
			baseline[o.ID] = o.Original
			continue
		}
		if snap, err := o.Snapshot(); err == nil {
			baseline[o.ID] = &snap
		}
	}

	var plan Plan
	present := make(map[string]bool, len(draft))
	for _, row := range draft {
		if row.ID != "" {
			present[row.ID] = true
		}
		if !row.Complete() {
			continue
		}
		base := row.Original
		if b, ok := baseline[row.ID]; ok && base == nil {
			base = b
		}
		if base == nil {
			plan.ToCreate = append(plan.ToCreate, row)
			continue
		}
		snap, err := row.Snapshot()
		if err != nil || snap.equal(*base) {
			continue
		}
		plan.ToUpdate = append(plan.ToUpdate, SlotUpdate{Row: row, State: StateModified})
	}

	for _, o := range originals {
		if o.ID != "" && !present[o.ID] {
			plan.ToDelete = append(plan.ToDelete, o.ID)
		}
	}
	return plan
}

// RowError 单行校验失败
type RowError struct {
	Index int
	ID    string
	Err   error
}

func (e RowError) Error() string {
	return fmt.Sprintf("第 %d 行(%s): %v", e.Index+1, e.ID, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// DraftError 草稿校验失败，列出所有出错的行
type DraftError struct {
	Rows []RowError
}

func (e *DraftError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, r.Error())
	}
	return "草稿校验失败: " + strings.Join(parts, "; ")
}

// Unwrap 支持 errors.Is(err, ErrInvalidTimeRange)
func (e *DraftError) Unwrap() []error {
	out := make([]error, 0, len(e.Rows))
	for _, r := range e.Rows {
		out = append(out, r.Err)
	}
	return out
}

// ValidateDraft 校验所有已填写完整的行：格式可解析，结束晚于开始
func ValidateDraft(rows []DraftRow) error {
	var bad []RowError
	for i, row := range rows {
		if !row.Complete() {
			continue
		}
		snap, err := row.Snapshot()
		if err != nil {
			bad = append(bad, RowError{Index: i, ID: row.ID, Err: err})
			continue
		}
		// HH:mm 同日比较，字典序即时间序
		if snap.End <= snap.Start {
			bad = append(bad, RowError{Index: i, ID: row.ID, Err: ErrInvalidTimeRange})
		}
	}
	if len(bad) > 0 {
		return &DraftError{Rows: bad}
	}
	return nil
}
