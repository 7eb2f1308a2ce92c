// Package stats 提供只读统计查询
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// TicketCounter 票据状态计数的数据源
type TicketCounter interface {
	TicketCounts(ctx context.Context, eventID string) ([]model.StatusCount, error)
}

// OutcomeStats 审计事件的数据源
type OutcomeStats interface {
	ScansPerHour(ctx context.Context, eventID string, since time.Time) ([]model.HourBucket, error)
	CallbackCounts(ctx context.Context, since time.Time) ([]model.StatusCount, error)
}

var ErrEventRequired = errors.New("eventId 不能为空")

// 查询窗口上限
const maxLookback = 31 * 24 * time.Hour

type Reporter struct {
	tickets TicketCounter
	events  OutcomeStats
	timeout time.Duration
	now     func() time.Time
}

func NewReporter(tickets TicketCounter, events OutcomeStats, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{tickets: tickets, events: events, timeout: timeout, now: time.Now}
}

// TicketCounts 按状态统计，三种状态总是全部返回
func (r *Reporter) TicketCounts(ctx context.Context, eventID string) ([]model.StatusCount, error) {
	if eventID == "" {
		return nil, ErrEventRequired
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.tickets.TicketCounts(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("统计活动 %s 票据失败: %w", eventID, err)
	}

	byStatus := make(map[string]int, len(rows))
	for _, row := range rows {
		byStatus[row.Status] += row.Count
	}
	out := make([]model.StatusCount, 0, 3)
	for _, s := range []model.TicketStatus{model.TicketStatusUnused, model.TicketStatusUsed, model.TicketStatusCancelled} {
		out = append(out, model.StatusCount{Status: string(s), Count: byStatus[string(s)]})
	}
	return out, nil
}

// ScansPerHour 每小时扫码次数，since 早于查询窗口上限时被截断
func (r *Reporter) ScansPerHour(ctx context.Context, eventID string, since time.Time) ([]model.HourBucket, error) {
	if eventID == "" {
		return nil, ErrEventRequired
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	buckets, err := r.events.ScansPerHour(ctx, eventID, r.clamp(since))
	if err != nil {
		return nil, fmt.Errorf("统计活动 %s 扫码失败: %w", eventID, err)
	}
	return buckets, nil
}

// CallbackCounts 按准入结果统计回调
func (r *Reporter) CallbackCounts(ctx context.Context, since time.Time) ([]model.StatusCount, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	counts, err := r.events.CallbackCounts(ctx, r.clamp(since))
	if err != nil {
		return nil, fmt.Errorf("统计回调失败: %w", err)
	}
	return counts, nil
}

func (r *Reporter) clamp(since time.Time) time.Time {
	floor := r.now().Add(-maxLookback)
	if since.IsZero() || since.Before(floor) {
		return floor
	}
	return since
}
