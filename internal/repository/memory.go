package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// MemoryRepository 进程内存储，用于开发环境和测试。
// 所有条件更新都在同一把互斥锁内完成。
type MemoryRepository struct {
	mu       sync.Mutex
	tickets  map[string]*model.Ticket
	records  map[string]*model.ReplayRecord
	events   map[string]*model.OutcomeEvent
	payments map[string]*model.PaymentTransaction
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tickets:  make(map[string]*model.Ticket),
		records:  make(map[string]*model.ReplayRecord),
		events:   make(map[string]*model.OutcomeEvent),
		payments: make(map[string]*model.PaymentTransaction),
		now:      time.Now,
	}
}

// CreateTicket 创建票据，票号重复时报错
func (r *MemoryRepository) CreateTicket(ctx context.Context, t *model.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[t.TicketNumber]; ok {
		return fmt.Errorf("%w: %s", model.ErrTicketExists, t.TicketNumber)
	}
	cp := *t
	r.tickets[t.TicketNumber] = &cp
	return nil
}

func (r *MemoryRepository) GetTicket(ctx context.Context, ticketNumber string) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[ticketNumber]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) GetTicketsByBooking(ctx context.Context, bookingID string) ([]*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Ticket
	for _, t := range r.tickets {
		if t.BookingID == bookingID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketNumber < out[j].TicketNumber })
	return out, nil
}

// MarkUsed unused→used
func (r *MemoryRepository) MarkUsed(ctx context.Context, ticketNumber string, usedAt time.Time, usedBy, attemptID string) (*model.ConsumeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("标记票据已使用", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[ticketNumber]
	if !ok {
		return nil, model.ErrTicketNotFound
	}

	won := false
	switch {
	case t.Status == model.TicketStatusUnused:
		at := usedAt
		t.Status = model.TicketStatusUsed
		t.UsedAt = &at
		t.UsedBy = usedBy
		t.UsedAttempt = attemptID
		won = true
	case t.Status == model.TicketStatusUsed && attemptID != "" &&
		t.UsedAttempt == attemptID && t.UsedBy == usedBy:
		won = true
	}

	cp := *t
	return &model.ConsumeResult{Won: won, Ticket: &cp}, nil
}

// Cancel unused→cancelled
func (r *MemoryRepository) Cancel(ctx context.Context, ticketNumber string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[ticketNumber]
	if !ok {
		return false, model.ErrTicketNotFound
	}
	if t.Status != model.TicketStatusUnused {
		return false, nil
	}
	t.Status = model.TicketStatusCancelled
	return true, nil
}

// AdmitOnce 不存在则写入
func (r *MemoryRepository) AdmitOnce(ctx context.Context, record *model.ReplayRecord) (*model.AdmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("写入防重放记录", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.records[record.Fingerprint]; ok {
		cp := *prev
		return &model.AdmitResult{
			Admitted: false,
			Previous: &cp,
		}, nil
	}

	cp := *record
	if cp.FirstSeenAt.IsZero() {
		cp.FirstSeenAt = r.now().UTC()
	}
	r.records[record.Fingerprint] = &cp
	return &model.AdmitResult{Admitted: true}, nil
}

// Prune 删除 olderThan 之前写入的记录
func (r *MemoryRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for fp, rec := range r.records {
		if rec.FirstSeenAt.Before(olderThan) {
			delete(r.records, fp)
			n++
		}
	}
	return n, nil
}

// SaveOutcome 写入审计事件，按事件ID去重
func (r *MemoryRepository) SaveOutcome(ctx context.Context, event *model.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[event.ID]; ok {
		return nil
	}
	r.events[event.ID] = event
	return nil
}

// ApplyPayment 写入或更新支付状态
func (r *MemoryRepository) ApplyPayment(ctx context.Context, env *model.CallbackEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.payments[env.OrderID] = &model.PaymentTransaction{
		OrderID:   env.OrderID,
		Status:    env.Status,
		Amount:    env.Amount,
		Currency:  env.Currency,
		UpdatedAt: r.now().UTC(),
	}
	return nil
}

func (r *MemoryRepository) GetPayment(ctx context.Context, orderID string) (*model.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[orderID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// TicketCounts 按状态统计票据
func (r *MemoryRepository) TicketCounts(ctx context.Context, eventID string) ([]model.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range r.tickets {
		if t.EventID == eventID {
			counts[string(t.Status)]++
		}
	}
	return sortedCounts(counts), nil
}

// ScansPerHour 按小时统计扫码次数
func (r *MemoryRepository) ScansPerHour(ctx context.Context, eventID string, since time.Time) ([]model.HourBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := make(map[time.Time]int)
	for _, e := range r.events {
		v := e.Verification
		if e.Kind != model.OutcomeVerification || v == nil || v.EventID != eventID || v.ScannedAt.Before(since) {
			continue
		}
		buckets[v.ScannedAt.UTC().Truncate(time.Hour)]++
	}

	out := make([]model.HourBucket, 0, len(buckets))
	for h, n := range buckets {
		out = append(out, model.HourBucket{Hour: h, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// CallbackCounts 按准入结果统计回调
func (r *MemoryRepository) CallbackCounts(ctx context.Context, since time.Time) ([]model.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range r.events {
		c := e.Callback
		if e.Kind != model.OutcomeCallback || c == nil || c.ReceivedAt.Before(since) {
			continue
		}
		counts[c.Status()]++
	}
	return sortedCounts(counts), nil
}

func sortedCounts(counts map[string]int) []model.StatusCount {
	out := make([]model.StatusCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, model.StatusCount{Status: s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}
