package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxRetry int) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, maxRetry, 48*time.Hour), mr
}

func TestCoins_MissingKeyIsZero(t *testing.T) {
	store, _ := newTestStore(t, 5)

	coins, err := store.Coins(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), coins)
}

func TestUpdateCoins_AppliesDelta(t *testing.T) {
	store, _ := newTestStore(t, 5)
	ctx := context.Background()

	before, after, err := store.UpdateCoins(ctx, "u1", func(current int64) (int64, error) {
		return 100, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)
	assert.Equal(t, int64(100), after)

	before, after, err = store.UpdateCoins(ctx, "u1", func(current int64) (int64, error) {
		return -30, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)
	assert.Equal(t, int64(70), after)

	coins, err := store.Coins(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), coins)
}

func TestUpdateCoins_FnVetoAbortsWithoutWrite(t *testing.T) {
	store, _ := newTestStore(t, 5)
	ctx := context.Background()

	_, _, err := store.UpdateCoins(ctx, "u1", func(current int64) (int64, error) {
		return 50, nil
	})
	require.NoError(t, err)

	// 扣款会使余额为负：回调否决，余额保持不变
	_, _, err = store.UpdateCoins(ctx, "u1", func(current int64) (int64, error) {
		if current-60 < 0 {
			return 0, ErrInsufficientBalance
		}
		return -60, nil
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	coins, err := store.Coins(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), coins)
}

func TestSubscriptionTier_DefaultsToFree(t *testing.T) {
	store, _ := newTestStore(t, 5)
	ctx := context.Background()

	tier, err := store.SubscriptionTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	require.NoError(t, store.SetSubscriptionTier(ctx, "u1", "paid"))
	tier, err = store.SubscriptionTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPaid, tier)
}

func TestEarnCoins_WritesBalanceAndDailyCounterTogether(t *testing.T) {
	store, _ := newTestStore(t, 5)
	ctx := context.Background()

	result, err := store.EarnCoins(ctx, "u1", "walk", "2024-01-15", func(balance, earnedToday int64) (int64, error) {
		return 30, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.Awarded)
	assert.Equal(t, int64(0), result.BalanceBefore)
	assert.Equal(t, int64(30), result.BalanceAfter)
	assert.Equal(t, int64(30), result.EarnedToday)

	earned, err := store.DailyEarned(ctx, "2024-01-15", "u1", "walk")
	require.NoError(t, err)
	assert.Equal(t, int64(30), earned)
}

func TestEarnCoins_ZeroAwardWritesNothing(t *testing.T) {
	store, mr := newTestStore(t, 5)
	ctx := context.Background()

	result, err := store.EarnCoins(ctx, "u1", "walk", "2024-01-15", func(balance, earnedToday int64) (int64, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Awarded)

	// 零入账不留任何 key
	assert.False(t, mr.Exists("user_data:u1:collected_currency:activity_coin"))
	assert.False(t, mr.Exists("coin_logs_daily:2024-01-15:u1:walk"))
}

func TestEarnCoins_ConcurrentOverQuotaNeverExceedsDailyMax(t *testing.T) {
	store, _ := newTestStore(t, 50)
	ctx := context.Background()

	const dailyMax = 100

	// 5 个并发请求各要 30，合计 150 > 上限 100：
	// 配额截断在事务内完成，合计入账必须恰好是 100
	var wg sync.WaitGroup
	awarded := make([]int64, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := store.EarnCoins(ctx, "u1", "walk", "2024-01-15", func(balance, earnedToday int64) (int64, error) {
				remaining := int64(dailyMax) - earnedToday
				if remaining <= 0 {
					return 0, nil
				}
				if remaining < 30 {
					return remaining, nil
				}
				return 30, nil
			})
			if err != nil {
				errs[idx] = err
				return
			}
			awarded[idx] = result.Awarded
		}(i)
	}
	wg.Wait()

	var total int64
	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		total += awarded[i]
	}
	assert.Equal(t, int64(dailyMax), total)

	coins, err := store.Coins(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(dailyMax), coins)

	earned, err := store.DailyEarned(ctx, "2024-01-15", "u1", "walk")
	require.NoError(t, err)
	assert.Equal(t, int64(dailyMax), earned)
}

func TestEarnCoins_NegativeAwardRejected(t *testing.T) {
	store, _ := newTestStore(t, 5)

	_, err := store.EarnCoins(context.Background(), "u1", "walk", "2024-01-15", func(balance, earnedToday int64) (int64, error) {
		return -1, nil
	})
	require.Error(t, err)
}
