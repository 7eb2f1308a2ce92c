package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

// messageReader kafka.Reader 的子集
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageHandler func(ctx context.Context, event *model.OutcomeEvent) error

// Consumer 消费者组模式，多个 reader 共用一个 GroupID，由 Kafka 分配分区。
// 处理成功后才提交位移，事件至少投递一次，处理方按事件ID去重。
type Consumer struct {
	readers []messageReader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logrus.Entry
}

func NewConsumer() (*Consumer, error) {
	cfg := config.AppConfig.Kafka
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("未配置Kafka broker")
	}

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	readers := make([]messageReader, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  500 * time.Millisecond,
		}))
	}

	logrus.WithFields(logrus.Fields{
		"topic":    cfg.Topic,
		"group_id": cfg.GroupID,
		"workers":  numWorkers,
	}).Info("Kafka消费者已创建")

	return newConsumerWithReaders(readers), nil
}

func newConsumerWithReaders(readers []messageReader) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
		log:     logrus.WithField("component", "kafka-consumer"),
	}
}

// StartConsuming 每个 reader 一个 goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.log.Infof("已启动 %d 个Kafka消费者工作线程", len(c.readers))
}

func (c *Consumer) consumeMessages(workerID int, reader messageReader, handler MessageHandler) {
	log := c.log.WithField("worker", workerID)

	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				log.Info("消费者工作线程收到停止信号")
				return
			}
			log.WithError(err).Warn("读取消息失败")
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		// 位移按分区递增提交，失败的消息必须在原地重试，不能跳过
		for attempt := 1; ; attempt++ {
			err := handleMessage(c.ctx, m, handler)
			if err == nil {
				break
			}
			log.WithError(err).WithFields(logrus.Fields{
				"partition": m.Partition,
				"offset":    m.Offset,
				"attempt":   attempt,
			}).Error("处理消息失败")
			select {
			case <-time.After(retryDelay(attempt)):
			case <-c.ctx.Done():
				return
			}
		}

		if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			log.WithError(err).Warn("提交位移失败")
		}
	}
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// handleMessage 解析并处理单条消息。无法解析的消息直接跳过。
func handleMessage(ctx context.Context, m kafka.Message, handler MessageHandler) error {
	var event model.OutcomeEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		logrus.WithError(err).WithField("offset", m.Offset).Warn("跳过无法解析的消息")
		return nil
	}
	if event.ID == "" || (event.Verification == nil && event.Callback == nil) {
		logrus.WithField("offset", m.Offset).Warn("跳过内容不完整的消息")
		return nil
	}
	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("处理事件 %s 失败: %w", event.ID, err)
	}
	return nil
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.log.Info("正在停止所有Kafka消费者工作线程...")
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭消费者 #%d 失败: %w", i, err))
		}
	}
	c.log.Info("所有Kafka消费者工作线程已停止")
	return errors.Join(errs...)
}
