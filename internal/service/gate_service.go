package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/internal/callback"
	"github.com/lvdashuaibi/littlegate/internal/metrics"
	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/ticket"
)

// PaymentStore 支付状态
type PaymentStore interface {
	ApplyPayment(ctx context.Context, env *model.CallbackEnvelope) error
}

var ErrEmptyScan = errors.New("token 与 manual 不能同时为空")

// GateService 组合核销与回调准入，对外提供统一入口
type GateService struct {
	tickets  *ticket.TicketService
	guard    *callback.Guard
	payments PaymentStore
	audit    AuditStore
}

func NewGateService(
	tickets *ticket.TicketService,
	guard *callback.Guard,
	payments PaymentStore,
	audit AuditStore,
) *GateService {
	return &GateService{
		tickets:  tickets,
		guard:    guard,
		payments: payments,
		audit:    audit,
	}
}

// Issue 出票
func (s *GateService) Issue(ctx context.Context, desc *model.TicketDescriptor) (*model.Ticket, error) {
	return s.tickets.Issue(ctx, desc)
}

// Cancel 作废
func (s *GateService) Cancel(ctx context.Context, ticketNumber string) (bool, error) {
	return s.tickets.Cancel(ctx, ticketNumber)
}

// Scan 扫码或人工输入核销
func (s *GateService) Scan(ctx context.Context, req *model.ScanRequest) (*model.Verdict, error) {
	start := time.Now()
	defer metrics.ObserveSince("scan", start)

	var (
		verdict *model.Verdict
		err     error
	)
	switch {
	case req.Token != "":
		verdict, err = s.tickets.Consume(ctx, req.Token, req.ScanContext)
	case req.Manual != "":
		verdict, err = s.tickets.ConsumeManual(ctx, req.Manual, req.ScanContext)
	default:
		return nil, ErrEmptyScan
	}
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("scan", storeErrorKind(err)).Inc()
		return nil, err
	}

	metrics.VerdictsTotal.WithLabelValues(string(verdict.Status)).Inc()
	return verdict, nil
}

// HandleCallback 准入后应用支付状态，每个指纹只应用一次
func (s *GateService) HandleCallback(ctx context.Context, env *model.CallbackEnvelope) (*model.CallbackDecision, error) {
	start := time.Now()
	defer metrics.ObserveSince("callback", start)

	decision, err := s.guard.Admit(ctx, env)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("callback", storeErrorKind(err)).Inc()
		return nil, err
	}

	outcome := "accepted"
	if !decision.Accepted {
		outcome = string(decision.Reason)
	}
	metrics.CallbackDecisionsTotal.WithLabelValues(outcome, env.Source).Inc()

	if !decision.Accepted {
		return decision, nil
	}

	if err := s.payments.ApplyPayment(ctx, env); err != nil {
		// 指纹已入账，网关重投会被判为重放，这里必须报错并由人工补偿
		logrus.WithError(err).WithFields(logrus.Fields{
			"order_id":    env.OrderID,
			"fingerprint": env.Fingerprint,
		}).Error("回调已准入但支付状态更新失败")
		metrics.StoreErrorsTotal.WithLabelValues("payment", storeErrorKind(err)).Inc()
		return nil, fmt.Errorf("更新订单 %s 支付状态失败: %w", env.OrderID, err)
	}

	logrus.WithFields(logrus.Fields{
		"order_id": env.OrderID,
		"status":   env.Status,
	}).Info("支付状态已更新")
	return decision, nil
}

// ProcessOutcomeEvent 处理结果事件（消费者使用）
func (s *GateService) ProcessOutcomeEvent(ctx context.Context, event *model.OutcomeEvent) error {
	if err := s.audit.SaveOutcome(ctx, event); err != nil {
		return fmt.Errorf("处理结果事件写入审计表失败: %w", err)
	}
	return nil
}

func storeErrorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrStoreTimeout):
		return "timeout"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
