package ticket

import (
	"context"
	"time"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// Store 票据存储。MarkUsed 与 Cancel 必须是后端的单次原子条件更新。
type Store interface {
	CreateTicket(ctx context.Context, t *model.Ticket) error
	GetTicket(ctx context.Context, ticketNumber string) (*model.Ticket, error)
	GetTicketsByBooking(ctx context.Context, bookingID string) ([]*model.Ticket, error)

	// MarkUsed 仅当状态为 unused 时改为 used。状态已是 used、
	// used_by 等于 usedBy 且 used_attempt 等于 attemptID 时同样返回 Won，用于重试。
	MarkUsed(ctx context.Context, ticketNumber string, usedAt time.Time, usedBy, attemptID string) (*model.ConsumeResult, error)

	// Cancel 仅当状态为 unused 时改为 cancelled
	Cancel(ctx context.Context, ticketNumber string) (bool, error)
}

// OutcomePublisher 核销结果的订阅方
type OutcomePublisher interface {
	Publish(ctx context.Context, event *model.OutcomeEvent) error
}
