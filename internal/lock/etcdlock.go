package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lvdashuaibi/littlegate/config"
)

const etcdLockPrefix = "/littlegate/locks/"

// EtcdLock 实现分布式锁接口
type EtcdLock struct {
	client *clientv3.Client
	mu     sync.Mutex            // 保护locks的互斥锁
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock() (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return NewETCDLockWithClient(cli), nil
}

func NewETCDLockWithClient(cli *clientv3.Client) *EtcdLock {
	return &EtcdLock{
		client: cli,
		locks:  make(map[string]*lockEntry),
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := etcdLockPrefix + lockName

	grantResp, err := el.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	// 启动自动续约
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, grantResp.ID, ttl)

	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}

	_, err := el.client.KeepAliveOnce(ctx, entry.leaseID)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			entry.cancel()
			delete(el.locks, lockName)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(ctx, lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		if err := el.releaseLock(context.Background(), lockName); err != nil {
			logrus.WithError(err).WithField("lock", lockName).Warn("释放锁失败")
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// keepAlive 在租约过半时续约
func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, ttl time.Duration) {
	interval := ttl / 2
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) releaseLock(ctx context.Context, lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}

	entry.cancel()
	delete(el.locks, lockName)

	// 撤销租约会同时删除挂在租约上的键
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
