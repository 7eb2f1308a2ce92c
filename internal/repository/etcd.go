package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

const etcdReplayPrefix = "/littlegate/replay/"

// EtcdLedger 以 etcd 事务实现防重放账本，条目挂在租约上随保留期过期
type EtcdLedger struct {
	client    *clientv3.Client
	retention time.Duration
}

func NewEtcdLedger() (*EtcdLedger, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return NewEtcdLedgerWithClient(cli, config.AppConfig.Replay.Retention), nil
}

func NewEtcdLedgerWithClient(client *clientv3.Client, retention time.Duration) *EtcdLedger {
	return &EtcdLedger{client: client, retention: retention}
}

// AdmitOnce Txn(CreateRevision==0).Then(Put).Else(Get)
func (l *EtcdLedger) AdmitOnce(ctx context.Context, record *model.ReplayRecord) (*model.AdmitResult, error) {
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("序列化防重放记录失败: %w", err)
	}
	key := etcdReplayPrefix + record.Fingerprint

	lease, err := l.client.Grant(ctx, int64(l.retention/time.Second))
	if err != nil {
		return nil, classify("创建租约失败", err)
	}

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		l.revoke(lease.ID)
		return nil, classify("防重放事务执行失败", err)
	}
	if resp.Succeeded {
		return &model.AdmitResult{Admitted: true}, nil
	}

	// 条目已存在，本次租约用不上
	l.revoke(lease.ID)

	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return &model.AdmitResult{Admitted: false}, nil
	}
	var prev model.ReplayRecord
	if err := json.Unmarshal(rng.Kvs[0].Value, &prev); err != nil {
		return nil, fmt.Errorf("解析防重放记录失败: %w", err)
	}
	return &model.AdmitResult{
		Admitted: false,
		Previous: &prev,
	}, nil
}

func (l *EtcdLedger) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.client.Revoke(ctx, id)
}

func (l *EtcdLedger) Close() error {
	return l.client.Close()
}
