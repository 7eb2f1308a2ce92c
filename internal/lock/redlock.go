package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/config"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	redLockKeyPrefix = "gate:lock:"
)

type RedLock struct {
	clients []*redis.Client
	addrs   []string
	retries int

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock() (*RedLock, error) {
	ctx := context.Background()
	addrs := config.AppConfig.Redis.LockAddresses
	if len(addrs) == 0 {
		return nil, errors.New("未配置Redlock节点")
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, addrs, config.AppConfig.Lock.RetryCount), nil
}

func NewRedLockWithClients(clients []*redis.Client, addrs []string, retries int) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		retries: retries,
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock Redlock算法: 在多数节点上 SET NX PX 成功且耗时小于TTL
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := redLockKeyPrefix + lockName
	token := uuid.NewString()

	for i := 0; i < r.retries; i++ {
		success := 0
		start := time.Now()

		for n, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"node": r.addrs[n],
					"lock": lockName,
				}).Warn("在节点上获取锁失败")
				continue
			}
			if ok {
				success++
			}
		}

		validityTime := ttl - time.Since(start)
		if success >= r.quorum() && validityTime > 0 {
			r.locks[lockName] = token
			logrus.WithField("lock", lockName).Debug("获取锁成功")
			return true, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(ctx, key, token)

		if i < r.retries-1 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	key := redLockKeyPrefix + lockName
	success := 0
	for n, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			logrus.WithError(err).WithField("node", r.addrs[n]).Warn("刷新锁失败")
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	delete(r.locks, lockName)
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(ctx, redLockKeyPrefix+lockName, token)
	delete(r.locks, lockName)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, key, token string) {
	for n, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil {
			logrus.WithError(err).WithField("node", r.addrs[n]).Warn("释放锁失败")
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(context.Background(), redLockKeyPrefix+name, token)
	}
	r.locks = make(map[string]string)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	var errs []error
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
