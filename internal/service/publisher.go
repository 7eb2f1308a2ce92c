package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// EventProducer 消息队列生产者
type EventProducer interface {
	Publish(ctx context.Context, event *model.OutcomeEvent) error
}

// AuditStore 审计事件落库
type AuditStore interface {
	SaveOutcome(ctx context.Context, event *model.OutcomeEvent) error
}

// OutcomePublisher 优先把事件发到Kafka，发送失败或未启用Kafka时同步写审计表
type OutcomePublisher struct {
	producer EventProducer
	audit    AuditStore
}

// NewOutcomePublisher producer 可以为 nil
func NewOutcomePublisher(producer EventProducer, audit AuditStore) *OutcomePublisher {
	return &OutcomePublisher{producer: producer, audit: audit}
}

func (p *OutcomePublisher) Publish(ctx context.Context, event *model.OutcomeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if p.producer != nil {
		err := p.producer.Publish(ctx, event)
		if err == nil {
			return nil
		}
		logrus.WithError(err).WithField("event_id", event.ID).Warn("发送事件到Kafka失败，改为同步写入审计表")
	}

	if err := p.audit.SaveOutcome(ctx, event); err != nil {
		return fmt.Errorf("写入审计事件失败: %w", err)
	}
	return nil
}
