package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Balance Store —— 余额的唯一权威存储
// ============================================================================
//
// 【为什么用乐观事务而不是分布式锁？】
//
// 服务会水平扩容成多个无共享内存的实例，同一用户可能同时从两台设备提交
// 活动记录。余额更新走 Redis 的 WATCH/MULTI：
//
//   WATCH key -> GET key -> 计算新值 -> MULTI SET key EXEC
//
// 期间若有并发写入，EXEC 返回 TxFailedErr，整个读-算-写循环重做。
// 同一用户的并发更新因此在单 key 上串行化；不同用户互不竞争。
// 锁方案在持有者崩溃时还要考虑锁过期，这里完全不需要。
//
// 【key 布局】沿用层级路径风格：
//
//   user_data:{uid}:collected_currency:activity_coin   余额
//   user_data:{uid}:subscription                       订阅档位（缺省 FREE）
//   coin_logs_daily:{date}:{uid}:{activity}            当日已获取量（二级索引）
//
// ============================================================================

var (
	// ErrInsufficientBalance 扣款会使余额为负。业务校验失败，不触发重试
	ErrInsufficientBalance = errors.New("金币不足")

	// ErrConflictExhausted 并发冲突重试次数耗尽。本次调用未产生任何变更，
	// 调用方可安全地整体重试
	ErrConflictExhausted = errors.New("余额事务冲突重试次数耗尽")

	// errNoAward 由 EarnCoins 内部使用：本次获取量为 0，放弃写入
	errNoAward = errors.New("no award")
)

const (
	TierFree = "FREE"
	TierPaid = "PAID"
)

// Store 基于 Redis 的余额存储，提供单 key / 双 key 的读-改-写事务
type Store struct {
	client       *redis.Client
	maxRetry     int
	retryBackoff time.Duration
	dailyTTL     time.Duration
}

func NewStore(client *redis.Client, maxRetry int, dailyTTL time.Duration) *Store {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &Store{
		client:       client,
		maxRetry:     maxRetry,
		retryBackoff: 10 * time.Millisecond,
		dailyTTL:     dailyTTL,
	}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("user_data:%s:collected_currency:activity_coin", userID)
}

func subscriptionKey(userID string) string {
	return fmt.Sprintf("user_data:%s:subscription", userID)
}

func dailyKey(dateKey, userID, activity string) string {
	return fmt.Sprintf("coin_logs_daily:%s:%s:%s", dateKey, userID, strings.ToLower(activity))
}

// Coins 查询用户当前余额，key 不存在视为 0（账户在首次变更时隐式创建）
func (s *Store) Coins(ctx context.Context, userID string) (int64, error) {
	coins, err := s.client.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return coins, err
}

// DailyEarned 查询用户某天在某活动上已获取的金币总量
func (s *Store) DailyEarned(ctx context.Context, dateKey, userID, activity string) (int64, error) {
	earned, err := s.client.Get(ctx, dailyKey(dateKey, userID, activity)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return earned, err
}

// SubscriptionTier 查询用户订阅档位，未设置按免费档处理
func (s *Store) SubscriptionTier(ctx context.Context, userID string) (string, error) {
	tier, err := s.client.Get(ctx, subscriptionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return TierFree, nil
	}
	if err != nil {
		return "", err
	}
	if strings.EqualFold(tier, TierPaid) {
		return TierPaid, nil
	}
	return TierFree, nil
}

// SetSubscriptionTier 写入订阅档位（由账号体系调用，这里仅提供写入口）
func (s *Store) SetSubscriptionTier(ctx context.Context, userID, tier string) error {
	return s.client.Set(ctx, subscriptionKey(userID), strings.ToUpper(tier), 0).Err()
}

// UpdateCoins 以读-算-写事务更新余额
//
// fn 收到当前余额，返回变更量 delta；若 balance+delta < 0 必须由 fn 返回
// ErrInsufficientBalance 终止事务（不重试、不写入）。并发冲突时整个循环
// 重做，fn 可能被调用多次，因此 fn 不应有副作用。
func (s *Store) UpdateCoins(ctx context.Context, userID string, fn func(current int64) (int64, error)) (before, after int64, err error) {
	key := balanceKey(userID)

	for i := 0; i < s.maxRetry; i++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Int64()
			if errors.Is(err, redis.Nil) {
				current = 0
			} else if err != nil {
				return err
			}

			delta, err := fn(current)
			if err != nil {
				return err
			}

			before = current
			after = current + delta

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, after, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			s.backoff(ctx, i)
			continue
		}
		return before, after, err
	}
	return 0, 0, ErrConflictExhausted
}

// EarnResult EarnCoins 的事务结果
type EarnResult struct {
	Awarded       int64 // 实际入账的金币数（可能被截断为 0）
	BalanceBefore int64
	BalanceAfter  int64
	EarnedToday   int64 // 事务提交后的当日已获取量
}

// EarnCoins 活动获取专用事务：余额与当日计数器在同一个 WATCH 中提交
//
// fn 收到当前余额和当日已获取量，返回本次应入账的金币数（≥0）。
// 返回 0 表示配额已满或无可入账量，事务不写任何 key —— 零变更不留痕。
// 把配额判断放进事务里，才能保证 N 个并发获取请求的合计入账不超上限。
func (s *Store) EarnCoins(ctx context.Context, userID, activity, dateKey string, fn func(balance, earnedToday int64) (int64, error)) (EarnResult, error) {
	bKey := balanceKey(userID)
	dKey := dailyKey(dateKey, userID, activity)

	var result EarnResult

	for i := 0; i < s.maxRetry; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, bKey).Int64()
			if errors.Is(err, redis.Nil) {
				current = 0
			} else if err != nil {
				return err
			}

			earned, err := tx.Get(ctx, dKey).Int64()
			if errors.Is(err, redis.Nil) {
				earned = 0
			} else if err != nil {
				return err
			}

			award, err := fn(current, earned)
			if err != nil {
				return err
			}
			if award < 0 {
				return fmt.Errorf("获取量不能为负: %d", award)
			}

			result = EarnResult{
				Awarded:       award,
				BalanceBefore: current,
				BalanceAfter:  current + award,
				EarnedToday:   earned + award,
			}

			if award == 0 {
				return errNoAward
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, bKey, current+award, 0)
				pipe.Set(ctx, dKey, earned+award, s.dailyTTL)
				return nil
			})
			return err
		}, bKey, dKey)

		if errors.Is(err, redis.TxFailedErr) {
			s.backoff(ctx, i)
			continue
		}
		if errors.Is(err, errNoAward) {
			return result, nil
		}
		if err != nil {
			return EarnResult{}, err
		}
		return result, nil
	}
	return EarnResult{}, ErrConflictExhausted
}

func (s *Store) backoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(s.retryBackoff * time.Duration(attempt+1)):
	}
}
