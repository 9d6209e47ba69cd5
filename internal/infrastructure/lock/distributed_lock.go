package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 【注意】余额更新不走锁 —— Balance Store 的 WATCH/MULTI 乐观事务是余额
// 唯一的同步原语。这里的锁只用于后台恢复任务：服务水平扩容后，多个实例
// 会同时扫描滞留的兑换单，加锁避免同一批兑换单被重复处理（补偿本身还有
// 状态机条件更新兜底，锁只是减少无效竞争）。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本先验证 value 再删除，保证"检查+删除"原子性
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewRecoverySweepLock 兑换恢复任务的扫描锁（按任务维度，全实例互斥）
func NewRecoverySweepLock(client *redis.Client, instanceID string) *DistributedLock {
	return NewDistributedLock(client, "redemption:lock:recovery_sweep", instanceID, 60*time.Second)
}

// NewReconcileSweepLock 对账任务的扫描锁
func NewReconcileSweepLock(client *redis.Client, instanceID string) *DistributedLock {
	return NewDistributedLock(client, "coin:lock:reconcile_sweep", instanceID, 60*time.Second)
}
