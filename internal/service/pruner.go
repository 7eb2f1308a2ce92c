package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/internal/lock"
	"github.com/lvdashuaibi/littlegate/internal/metrics"
	"github.com/lvdashuaibi/littlegate/internal/replay"
)

// PruneLockName 清理任务的选主锁
const PruneLockName = "replay-pruner"

// ReplayPruner 定期删除超过保留期的防重放记录，多实例部署时只有持锁实例执行
type ReplayPruner struct {
	pruner    replay.Pruner
	lock      lock.Lock
	retention time.Duration
	interval  time.Duration
	lockTTL   time.Duration
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReplayPruner(pruner replay.Pruner, l lock.Lock, retention, interval, lockTTL time.Duration) *ReplayPruner {
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &ReplayPruner{
		pruner:    pruner,
		lock:      l,
		retention: retention,
		interval:  interval,
		lockTTL:   lockTTL,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start 启动定时清理
func (p *ReplayPruner) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.tick()
		for {
			select {
			case <-ticker.C:
				p.tick()
			case <-p.stopChan:
				return
			}
		}
	}()
	logrus.WithField("interval", p.interval).Info("防重放记录清理任务已启动")
}

// Stop 停止清理任务，等待进行中的一轮结束
func (p *ReplayPruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}

func (p *ReplayPruner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	if _, err := p.RunOnce(ctx); err != nil {
		logrus.WithError(err).Warn("清理防重放记录失败")
	}
}

// RunOnce 获取锁后执行一次清理，未获取到锁时返回 0
func (p *ReplayPruner) RunOnce(ctx context.Context) (int64, error) {
	acquired, err := p.lock.AcquireLock(ctx, PruneLockName, p.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("获取清理任务锁失败: %w", err)
	}
	if !acquired {
		logrus.Debug("未能获取清理任务锁，跳过本轮清理")
		return 0, nil
	}
	defer func() {
		if err := p.lock.ReleaseLock(context.Background(), PruneLockName); err != nil {
			logrus.WithError(err).Warn("释放清理任务锁失败")
		}
	}()

	cutoff := p.now().Add(-p.retention)
	removed, err := p.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("删除 %s 之前的记录失败: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.PrunedRecordsTotal.Add(float64(removed))
	if removed > 0 {
		logrus.WithField("removed", removed).Info("已清理过期防重放记录")
	}
	return removed, nil
}
