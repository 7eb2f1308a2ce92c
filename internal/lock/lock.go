package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/littlegate/config"
)

// Lock 分布式锁接口，用于后台任务选主
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示是否仍持有锁
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(ctx context.Context, lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置创建锁
func New(backend string) (Lock, error) {
	switch backend {
	case "etcd":
		return NewETCDLock()
	case "redis":
		return NewRedLock()
	case "none", "":
		return NewLocalLock(), nil
	default:
		return nil, fmt.Errorf("未知的分布式锁后端: %q", backend)
	}
}

// FromConfig 使用全局配置创建锁
func FromConfig() (Lock, error) {
	return New(config.AppConfig.Lock.Backend)
}
