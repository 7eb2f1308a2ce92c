package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

// messageWriter kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

func NewProducer() (*Producer, error) {
	cfg := config.AppConfig.Kafka
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("未配置Kafka broker")
	}

	// 使用Hash分区器，同一张票或同一个指纹的事件进入同一分区
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}

	logrus.WithFields(logrus.Fields{
		"topic":   cfg.Topic,
		"brokers": cfg.Brokers,
	}).Info("Kafka生产者已创建")

	return newProducerWithWriter(writer, cfg.Topic), nil
}

func newProducerWithWriter(w messageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic}
}

// Publish 发送结果事件
func (p *Producer) Publish(ctx context.Context, event *model.OutcomeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化结果事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Key()),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送结果事件到 %s 失败: %w", p.topic, err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
