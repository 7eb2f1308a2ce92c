// Package callback 对支付网关回调做签名校验、时间窗口检查和防重放准入。
// 浏览器跳转和服务端 webhook 走同一个 Admit。
package callback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/replay"
	"github.com/lvdashuaibi/littlegate/internal/signer"
)

const (
	SourceRedirect = "redirect"
	SourceWebhook  = "webhook"
)

// Publisher 准入结果的订阅方
type Publisher interface {
	Publish(ctx context.Context, event *model.OutcomeEvent) error
}

type Options struct {
	// Window 时间戳允许的偏差，两个方向对称
	Window           time.Duration
	OperationTimeout time.Duration
	Now              func() time.Time
}

type Guard struct {
	signer    *signer.Signer
	ledger    replay.Ledger
	publisher Publisher
	opts      Options
	log       *logrus.Entry
}

func NewGuard(s *signer.Signer, ledger replay.Ledger, publisher Publisher, opts Options) *Guard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 2 * time.Second
	}
	return &Guard{
		signer:    s,
		ledger:    ledger,
		publisher: publisher,
		opts:      opts,
		log:       logrus.WithField("component", "callback"),
	}
}

// CanonicalFields 参与签名的字段
func CanonicalFields(env *model.CallbackEnvelope) map[string]string {
	return map[string]string{
		"amount":    env.Amount,
		"currency":  env.Currency,
		"order_id":  env.OrderID,
		"status":    env.Status,
		"timestamp": strconv.FormatInt(env.Timestamp, 10),
	}
}

// Admit 依次检查签名、时间窗口和指纹，只有首次出现的合法回调被接受。
// 返回的 error 只代表账本故障，调用方不应应用支付状态。
func (g *Guard) Admit(ctx context.Context, env *model.CallbackEnvelope) (*model.CallbackDecision, error) {
	if !g.signer.VerifyFields(CanonicalFields(env), env.Signature) {
		return g.finish(ctx, env, &model.CallbackDecision{Reason: model.RejectInvalidSignature}), nil
	}

	// 直接比较时刻，极端时间戳相减会溢出
	now := g.opts.Now()
	ts := time.Unix(env.Timestamp, 0)
	if ts.Before(now.Add(-g.opts.Window)) || ts.After(now.Add(g.opts.Window)) {
		return g.finish(ctx, env, &model.CallbackDecision{Reason: model.RejectStaleTimestamp}), nil
	}

	env.Fingerprint = replay.Fingerprint(replay.ScopeCallback, env.OrderID, env.Signature)

	opCtx, cancel := context.WithTimeout(ctx, g.opts.OperationTimeout)
	result, err := g.ledger.AdmitOnce(opCtx, &model.ReplayRecord{
		Fingerprint: env.Fingerprint,
		Scope:       replay.ScopeCallback,
		Reference:   env.OrderID,
		Outcome:     env.Status,
		FirstSeenAt: now.UTC(),
	})
	timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && !errors.Is(err, model.ErrStoreTimeout) {
			err = fmt.Errorf("%w: %w", model.ErrStoreTimeout, err)
		}
		g.log.WithError(err).WithField("order_id", env.OrderID).Error("防重放账本写入失败")
		return nil, fmt.Errorf("回调准入失败: %w", err)
	}

	if !result.Admitted {
		return g.finish(ctx, env, &model.CallbackDecision{
			Reason:   model.RejectReplay,
			Previous: result.Previous,
		}), nil
	}
	return g.finish(ctx, env, &model.CallbackDecision{Accepted: true}), nil
}

func (g *Guard) finish(ctx context.Context, env *model.CallbackEnvelope, d *model.CallbackDecision) *model.CallbackDecision {
	fields := logrus.Fields{
		"order_id": env.OrderID,
		"source":   env.Source,
	}
	if d.Accepted {
		g.log.WithFields(fields).Info("回调已接受")
	} else {
		g.log.WithFields(fields).WithField("reason", d.Reason).Warn("回调被拒绝")
	}

	if g.publisher != nil {
		event := &model.OutcomeEvent{
			Kind: model.OutcomeCallback,
			Callback: &model.CallbackOutcome{
				OrderID:     env.OrderID,
				Fingerprint: env.Fingerprint,
				Source:      env.Source,
				Accepted:    d.Accepted,
				Reason:      d.Reason,
				ReceivedAt:  g.opts.Now().UTC(),
			},
		}
		if err := g.publisher.Publish(ctx, event); err != nil {
			g.log.WithError(err).WithFields(fields).Warn("发布回调事件失败")
		}
	}
	return d
}
