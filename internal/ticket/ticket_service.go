package ticket

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/token"
)

// Options 核销服务参数
type Options struct {
	// ValidityGrace 活动开始后令牌仍然有效的时长
	ValidityGrace time.Duration
	// OperationTimeout 单次存储操作的超时
	OperationTimeout time.Duration
	// StoreRetries 存储不可用时条件更新的重试次数，超时不重试
	StoreRetries int
	RetryBackoff time.Duration
	Now          func() time.Time
}

type TicketService struct {
	store     Store
	codec     *token.Codec
	publisher OutcomePublisher
	opts      Options
	log       *logrus.Entry
}

func NewTicketService(store Store, codec *token.Codec, publisher OutcomePublisher, opts Options) *TicketService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	return &TicketService{
		store:     store,
		codec:     codec,
		publisher: publisher,
		opts:      opts,
		log:       logrus.WithField("component", "ticket"),
	}
}

// Issue 出票：生成令牌并写入 unused 状态的票据
func (s *TicketService) Issue(ctx context.Context, desc *model.TicketDescriptor) (*model.Ticket, error) {
	ticketID := desc.TicketID
	if ticketID == "" {
		ticketID = uuid.NewString()
	}

	now := s.opts.Now()
	tok, err := s.codec.Encode(token.Payload{
		TicketNumber: desc.TicketNumber,
		TicketType:   desc.TicketType,
		EventID:      desc.EventID,
		IssuedAt:     now,
		ValidUntil:   desc.EventDate.Add(s.opts.ValidityGrace),
	})
	if err != nil {
		return nil, fmt.Errorf("生成票据令牌失败: %w", err)
	}

	t := &model.Ticket{
		TicketID:     ticketID,
		EventID:      desc.EventID,
		BookingID:    desc.BookingID,
		TicketNumber: desc.TicketNumber,
		TicketType:   desc.TicketType,
		HolderName:   desc.HolderName,
		Seat:         desc.Seat,
		EventName:    desc.EventName,
		EventDate:    desc.EventDate,
		Token:        tok,
		Status:       model.TicketStatusUnused,
		CreatedAt:    now,
	}

	err = s.withStore(ctx, func(ctx context.Context) error {
		return s.store.CreateTicket(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("保存票据 %s 失败: %w", t.TicketNumber, err)
	}

	s.log.WithFields(logrus.Fields{
		"ticket_number": t.TicketNumber,
		"event_id":      t.EventID,
		"booking_id":    t.BookingID,
	}).Info("票据已签发")
	return t, nil
}

// Consume 核销扫码得到的令牌。
// 返回的 error 只代表存储故障；令牌无效、已使用等都是正常判定。
func (s *TicketService) Consume(ctx context.Context, raw string, scan model.ScanContext) (*model.Verdict, error) {
	if scan.AttemptID == "" {
		scan.AttemptID = uuid.NewString()
	}

	payload, err := s.codec.Decode(raw)
	if err != nil {
		s.log.WithError(err).WithField("scanner_id", scan.ScannerID).Warn("令牌解码失败")
		return s.finish(ctx, scan, "", invalid("令牌无效")), nil
	}

	if payload.EventID != scan.EventID {
		return s.finish(ctx, scan, payload.TicketNumber, &model.Verdict{
			Status: model.VerdictWrongEvent,
			Reason: fmt.Sprintf("票据属于活动 %s", payload.EventID),
		}), nil
	}

	if payload.Expired(s.opts.Now()) {
		return s.finish(ctx, scan, payload.TicketNumber, &model.Verdict{
			Status: model.VerdictExpired,
			Reason: "票据已过期",
		}), nil
	}

	t, err := s.lookup(ctx, payload.TicketNumber)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return s.finish(ctx, scan, payload.TicketNumber, invalid("票据不存在")), nil
	}
	if t.EventID != payload.EventID {
		return s.finish(ctx, scan, t.TicketNumber, invalid("票据与活动不符")), nil
	}
	if t.Token != "" && subtle.ConstantTimeCompare([]byte(t.Token), []byte(strings.TrimSpace(raw))) != 1 {
		return s.finish(ctx, scan, t.TicketNumber, invalid("令牌已被替换")), nil
	}

	return s.transition(ctx, t, scan)
}

// ConsumeManual 人工输入票号或订单号核销。票号优先，订单号作为二级索引；
// 订单下有多张票时要求逐张扫码。
func (s *TicketService) ConsumeManual(ctx context.Context, input string, scan model.ScanContext) (*model.Verdict, error) {
	if scan.AttemptID == "" {
		scan.AttemptID = uuid.NewString()
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return s.finish(ctx, scan, "", invalid("输入为空")), nil
	}

	t, err := s.lookup(ctx, input)
	if err != nil {
		return nil, err
	}
	if t == nil {
		var booked []*model.Ticket
		err = s.withStore(ctx, func(ctx context.Context) error {
			var err error
			booked, err = s.store.GetTicketsByBooking(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("按订单查询票据失败: %w", err)
		}
		switch len(booked) {
		case 0:
			return s.finish(ctx, scan, "", invalid("票据不存在")), nil
		case 1:
			t = booked[0]
		default:
			return s.finish(ctx, scan, "", invalid("订单包含多张票据，请逐张扫码")), nil
		}
	}

	if t.EventID != scan.EventID {
		return s.finish(ctx, scan, t.TicketNumber, &model.Verdict{
			Status: model.VerdictWrongEvent,
			Reason: fmt.Sprintf("票据属于活动 %s", t.EventID),
		}), nil
	}
	if !s.opts.Now().Before(t.EventDate.Add(s.opts.ValidityGrace)) {
		return s.finish(ctx, scan, t.TicketNumber, &model.Verdict{
			Status: model.VerdictExpired,
			Reason: "票据已过期",
		}), nil
	}

	return s.transition(ctx, t, scan)
}

// Cancel 作废未使用的票据
func (s *TicketService) Cancel(ctx context.Context, ticketNumber string) (bool, error) {
	var cancelled bool
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		cancelled, err = s.store.Cancel(ctx, ticketNumber)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("作废票据 %s 失败: %w", ticketNumber, err)
	}
	if cancelled {
		s.log.WithField("ticket_number", ticketNumber).Info("票据已作废")
	}
	return cancelled, nil
}

// transition 执行 unused→used 条件更新并给出判定
func (s *TicketService) transition(ctx context.Context, t *model.Ticket, scan model.ScanContext) (*model.Verdict, error) {
	switch t.Status {
	case model.TicketStatusCancelled:
		return s.finish(ctx, scan, t.TicketNumber, invalid("票据已作废")), nil
	case model.TicketStatusUsed:
		if t.UsedAttempt != scan.AttemptID || t.UsedBy != scan.ScannerID {
			return s.finish(ctx, scan, t.TicketNumber, alreadyUsed(t)), nil
		}
		return s.finish(ctx, scan, t.TicketNumber, success(t)), nil
	}

	var result *model.ConsumeResult
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.store.MarkUsed(ctx, t.TicketNumber, s.opts.Now().UTC(), scan.ScannerID, scan.AttemptID)
		return err
	})
	if errors.Is(err, model.ErrTicketNotFound) {
		return s.finish(ctx, scan, t.TicketNumber, invalid("票据不存在")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("核销票据 %s 失败: %w", t.TicketNumber, err)
	}

	current := result.Ticket
	if current == nil {
		current = t
	}
	if result.Won {
		return s.finish(ctx, scan, t.TicketNumber, success(current)), nil
	}
	if current.Status == model.TicketStatusCancelled {
		return s.finish(ctx, scan, t.TicketNumber, invalid("票据已作废")), nil
	}
	return s.finish(ctx, scan, t.TicketNumber, alreadyUsed(current)), nil
}

// lookup 按票号查询，不存在时返回 nil
func (s *TicketService) lookup(ctx context.Context, ticketNumber string) (*model.Ticket, error) {
	var t *model.Ticket
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.store.GetTicket(ctx, ticketNumber)
		return err
	})
	if errors.Is(err, model.ErrTicketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询票据 %s 失败: %w", ticketNumber, err)
	}
	return t, nil
}

// withStore 为存储操作加超时。存储不可用时按退避重试；超时说明
// 操作结果未知，直接返回 ErrStoreTimeout。
func (s *TicketService) withStore(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		err := op(opCtx)
		timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if timedOut && !errors.Is(err, model.ErrStoreTimeout) {
			err = fmt.Errorf("%w: %w", model.ErrStoreTimeout, err)
		}
		if !errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrStoreTimeout) || attempt >= s.opts.StoreRetries {
			return err
		}

		s.log.WithError(err).WithField("attempt", attempt+1).Warn("存储不可用，准备重试")
		select {
		case <-time.After(s.opts.RetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, ctx.Err())
		}
	}
}

// finish 补全判定并发布核销事件
func (s *TicketService) finish(ctx context.Context, scan model.ScanContext, ticketNumber string, v *model.Verdict) *model.Verdict {
	v.Verified = v.Status == model.VerdictSuccess

	fields := logrus.Fields{
		"ticket_number": ticketNumber,
		"event_id":      scan.EventID,
		"scanner_id":    scan.ScannerID,
		"status":        v.Status,
	}
	if v.Verified {
		s.log.WithFields(fields).Info("票据核销成功")
	} else {
		s.log.WithFields(fields).WithField("reason", v.Reason).Info("票据核销被拒绝")
	}

	if s.publisher != nil {
		event := &model.OutcomeEvent{
			Kind: model.OutcomeVerification,
			Verification: &model.VerificationOutcome{
				TicketNumber: ticketNumber,
				EventID:      scan.EventID,
				ScannerID:    scan.ScannerID,
				AttemptID:    scan.AttemptID,
				Status:       v.Status,
				Reason:       v.Reason,
				ScannedAt:    s.opts.Now().UTC(),
			},
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("发布核销事件失败")
		}
	}
	return v
}

func invalid(reason string) *model.Verdict {
	return &model.Verdict{Status: model.VerdictInvalid, Reason: reason}
}

func success(t *model.Ticket) *model.Verdict {
	return &model.Verdict{
		Status: model.VerdictSuccess,
		Ticket: t.Info(),
		UsedAt: t.UsedAt,
		UsedBy: t.UsedBy,
	}
}

func alreadyUsed(t *model.Ticket) *model.Verdict {
	return &model.Verdict{
		Status: model.VerdictAlreadyUsed,
		Reason: "票据已使用",
		Ticket: t.Info(),
		UsedAt: t.UsedAt,
		UsedBy: t.UsedBy,
	}
}
