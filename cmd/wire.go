package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/callback"
	intkafka "github.com/lvdashuaibi/littlegate/internal/kafka"
	"github.com/lvdashuaibi/littlegate/internal/lock"
	"github.com/lvdashuaibi/littlegate/internal/replay"
	"github.com/lvdashuaibi/littlegate/internal/repository"
	"github.com/lvdashuaibi/littlegate/internal/service"
	"github.com/lvdashuaibi/littlegate/internal/signer"
	"github.com/lvdashuaibi/littlegate/internal/stats"
	"github.com/lvdashuaibi/littlegate/internal/ticket"
	"github.com/lvdashuaibi/littlegate/internal/token"
)

// recordStore 审计、支付和统计共用的持久化存储
type recordStore interface {
	service.AuditStore
	service.PaymentStore
	stats.OutcomeStats
}

// ticketBackend 票据存储同时提供状态计数
type ticketBackend interface {
	ticket.Store
	stats.TicketCounter
}

// app 按配置组装的各个组件
type app struct {
	cfg *config.Config

	tickets  ticketBackend
	ledger   replay.Ledger
	records  recordStore
	producer *intkafka.Producer

	gate     *service.GateService
	reporter *stats.Reporter

	mysqlRepo  *repository.MySQLRepository
	redisRepo  *repository.RedisRepository
	memoryRepo *repository.MemoryRepository
	closers    []func()
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	var err error

	switch a.cfg.Store.TicketBackend {
	case "mysql":
		a.tickets, err = a.mysql()
	case "redis":
		a.tickets, err = a.redis()
	default:
		a.tickets = a.memory()
	}
	if err != nil {
		return err
	}

	switch a.cfg.Store.LedgerBackend {
	case "mysql":
		a.ledger, err = a.mysql()
	case "redis":
		a.ledger, err = a.redis()
	case "etcd":
		var l *repository.EtcdLedger
		if l, err = repository.NewEtcdLedger(); err == nil {
			a.ledger = l
			a.closers = append(a.closers, func() { l.Close() })
		}
	default:
		a.ledger = a.memory()
	}
	if err != nil {
		return err
	}

	// 全部为内存后端时审计也放在内存里，其他情况以MySQL为准
	if a.cfg.Store.TicketBackend == "memory" && a.cfg.Store.LedgerBackend == "memory" {
		a.records = a.memory()
	} else if a.records, err = a.mysql(); err != nil {
		return err
	}

	if a.cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer()
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		a.producer = producer
		a.closers = append(a.closers, func() { producer.Close() })
	}

	var events service.EventProducer
	if a.producer != nil {
		events = a.producer
	}
	publisher := service.NewOutcomePublisher(events, a.records)

	masterKey, err := a.cfg.Ticket.MasterKeyBytes()
	if err != nil {
		return err
	}
	codec, err := token.NewCodec(masterKey)
	if err != nil {
		return fmt.Errorf("初始化令牌编解码器失败: %w", err)
	}
	tickets := ticket.NewTicketService(a.tickets, codec, publisher, ticket.Options{
		ValidityGrace:    a.cfg.Ticket.ValidityGrace,
		OperationTimeout: a.cfg.Ticket.OperationTimeout,
		StoreRetries:     a.cfg.Ticket.StoreRetries,
		RetryBackoff:     a.cfg.Ticket.RetryBackoff,
	})

	s, err := signer.New([]byte(a.cfg.Callback.Secret))
	if err != nil {
		return fmt.Errorf("初始化回调签名器失败: %w", err)
	}
	guard := callback.NewGuard(s, a.ledger, publisher, callback.Options{
		Window:           a.cfg.Callback.Window,
		OperationTimeout: a.cfg.Callback.OperationTimeout,
	})

	a.gate = service.NewGateService(tickets, guard, a.records, a.records)
	a.reporter = stats.NewReporter(a.tickets, a.records, a.cfg.Ticket.OperationTimeout)

	logrus.WithFields(logrus.Fields{
		"ticket_backend": a.cfg.Store.TicketBackend,
		"ledger_backend": a.cfg.Store.LedgerBackend,
		"kafka":          a.cfg.Kafka.Enabled,
	}).Info("组件初始化完成")
	return nil
}

// pruner 账本需要主动清理时返回清理任务，Redis和etcd依赖过期机制返回 nil
func (a *app) pruner() (*service.ReplayPruner, error) {
	p, ok := a.ledger.(replay.Pruner)
	if !ok {
		return nil, nil
	}

	l, err := lock.FromConfig()
	if err != nil {
		return nil, fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	a.closers = append(a.closers, func() {
		l.ReleaseAllLocks()
		l.Close()
	})

	return service.NewReplayPruner(p, l, a.cfg.Replay.Retention, a.cfg.Replay.PruneInterval, a.cfg.Lock.TTL), nil
}

func (a *app) mysql() (*repository.MySQLRepository, error) {
	if a.mysqlRepo == nil {
		repo, err := repository.NewMySQLRepository()
		if err != nil {
			return nil, fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		a.mysqlRepo = repo
		a.closers = append(a.closers, repo.Close)
	}
	return a.mysqlRepo, nil
}

func (a *app) redis() (*repository.RedisRepository, error) {
	if a.redisRepo == nil {
		repo, err := repository.NewRedisRepository()
		if err != nil {
			return nil, fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		a.redisRepo = repo
		a.closers = append(a.closers, func() { repo.Close() })
	}
	return a.redisRepo, nil
}

func (a *app) memory() *repository.MemoryRepository {
	if a.memoryRepo == nil {
		a.memoryRepo = repository.NewMemoryRepository()
		logrus.Warn("使用内存存储，数据不会持久化")
	}
	return a.memoryRepo
}

// Close 按创建的逆序释放资源
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
