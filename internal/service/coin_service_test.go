package service

import (
	"context"
	"testing"

	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/model"
	"coinsystem/internal/repository"
	"coinsystem/pkg/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	idgen.Init(1)
}

const testDateKey = "2024-01-15"

func newTestCoinService(t *testing.T) (*CoinService, *repository.LedgerRepository) {
	db := newTestDB(t)
	store := newTestBalanceStore(t)
	return NewCoinService(db, store, newTestConfig()), repository.NewLedgerRepository(db)
}

func TestAcquire_NormalAward(t *testing.T) {
	svc, ledgerRepo := newTestCoinService(t)
	ctx := context.Background()

	// 免费档 walk: 1 金币/单位，每日上限 100
	result, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.Coins)
	assert.False(t, result.AcquisitionFinished)
	assert.Equal(t, int64(30), result.BalanceAfter)
	assert.NotEmpty(t, result.EntryNo)

	entry, err := ledgerRepo.GetByEntryNo(ctx, result.EntryNo)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(30), entry.Coins)
	assert.Equal(t, int64(0), entry.BalanceBefore)
	assert.Equal(t, int64(30), entry.BalanceAfter)
	assert.False(t, entry.AcquisitionFinished)
}

func TestAcquire_ClipsToRemainingQuota(t *testing.T) {
	svc, ledgerRepo := newTestCoinService(t)
	ctx := context.Background()

	// 当日已获取 95，剩余配额 5；再要 10 只能入账 5
	_, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 95,
	})
	require.NoError(t, err)

	result, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Coins)
	assert.True(t, result.AcquisitionFinished)
	assert.Equal(t, int64(100), result.BalanceAfter)

	entry, err := ledgerRepo.GetByEntryNo(ctx, result.EntryNo)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.AcquisitionFinished)
}

func TestAcquire_ExhaustedQuotaLeavesNoEntry(t *testing.T) {
	svc, ledgerRepo := newTestCoinService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 100,
	})
	require.NoError(t, err)

	// 配额已满：入账 0，不产生流水
	result, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Coins)
	assert.True(t, result.AcquisitionFinished)
	assert.Empty(t, result.EntryNo)

	_, total, err := ledgerRepo.ListByUserID(ctx, "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestAcquire_UnknownActivity(t *testing.T) {
	svc, _ := newTestCoinService(t)

	_, err := svc.Acquire(context.Background(), &AcquireRequest{
		UserID: "u1", Activity: "swimming", DateKey: testDateKey, Count: 10,
	})
	require.ErrorIs(t, err, ErrInvalidActivity)
}

func TestAcquire_NegativeCount(t *testing.T) {
	svc, _ := newTestCoinService(t)

	_, err := svc.Acquire(context.Background(), &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: -1,
	})
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestRemainingQuota(t *testing.T) {
	svc, _ := newTestCoinService(t)
	ctx := context.Background()

	quota, err := svc.RemainingQuota(ctx, "u1", "walk", testDateKey)
	require.NoError(t, err)
	assert.Equal(t, int64(100), quota.RemainingCoins)
	assert.Equal(t, int64(1), quota.ValuePer)

	_, err = svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 40,
	})
	require.NoError(t, err)

	quota, err = svc.RemainingQuota(ctx, "u1", "walk", testDateKey)
	require.NoError(t, err)
	assert.Equal(t, int64(60), quota.RemainingCoins)
}

func TestConsume_InsufficientBalanceLeavesBalanceUntouched(t *testing.T) {
	svc, ledgerRepo := newTestCoinService(t)
	ctx := context.Background()

	_, err := svc.GrantMissionReward(ctx, "u1", "mission-7days", 50)
	require.NoError(t, err)

	// 余额 50，消费 60：失败且余额不变、无新流水
	_, err = svc.Consume(ctx, "u1", "theme_purchase", 60)
	require.ErrorIs(t, err, balance.ErrInsufficientBalance)

	coins, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), coins)

	_, total, err := ledgerRepo.ListByUserID(ctx, "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestConsume_DebitsAndRecords(t *testing.T) {
	svc, _ := newTestCoinService(t)
	ctx := context.Background()

	_, err := svc.GrantMissionReward(ctx, "u1", "mission-7days", 50)
	require.NoError(t, err)

	entry, err := svc.Consume(ctx, "u1", "theme_purchase", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(-20), entry.Coins)
	assert.Equal(t, int64(50), entry.BalanceBefore)
	assert.Equal(t, int64(30), entry.BalanceAfter)

	coins, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), coins)
}

func TestGrantMissionReward_BypassesDailyQuota(t *testing.T) {
	svc, _ := newTestCoinService(t)
	ctx := context.Background()

	// 当日配额用满后任务奖励照常入账
	_, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 100,
	})
	require.NoError(t, err)

	entry, err := svc.GrantMissionReward(ctx, "u1", "mission-7days", 500)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityChallengeMission, entry.Activity)
	assert.Equal(t, int64(600), entry.BalanceAfter)
}

func TestBalanceEqualsSumOfLedgerDeltas(t *testing.T) {
	svc, ledgerRepo := newTestCoinService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, &AcquireRequest{
		UserID: "u1", Activity: "walk", DateKey: testDateKey, Count: 80,
	})
	require.NoError(t, err)
	_, err = svc.GrantMissionReward(ctx, "u1", "mission-7days", 200)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "u1", "theme_purchase", 130)
	require.NoError(t, err)

	coins, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)

	sum, err := ledgerRepo.SumDeltas(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, coins, sum)
	assert.Equal(t, int64(150), coins)
}
