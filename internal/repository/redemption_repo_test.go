package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"coinsystem/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RedemptionAttempt{}, &model.CoinLedgerEntry{}))
	return db
}

func newTestAttempt(externalOrderNo string) *model.RedemptionAttempt {
	return &model.RedemptionAttempt{
		RedemptionNo:    "RDM-" + externalOrderNo,
		ExternalOrderNo: externalOrderNo,
		UserID:          "u1",
		GiftID:          "americano_tall",
		Coins:           -50,
		PhoneNumber:     "010-1234-5678",
		Status:          model.RedemptionStatusRequested,
		EventTimeUtc:    time.Now().UTC(),
	}
}

func TestUpdateStatus_ConditionalOnFromStatus(t *testing.T) {
	repo := NewRedemptionRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newTestAttempt("ext-1")))

	require.NoError(t, repo.UpdateStatus(ctx, nil, "ext-1",
		model.RedemptionStatusRequested, model.RedemptionStatusDebited))

	// 同一转移第二次执行：原状态已不匹配，必须失败
	err := repo.UpdateStatus(ctx, nil, "ext-1",
		model.RedemptionStatusRequested, model.RedemptionStatusDebited)
	require.ErrorIs(t, err, ErrRedemptionStatusInvalid)

	attempt, err := repo.GetByExternalOrderNo(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionStatusDebited, attempt.Status)
}

func TestUpdateStatus_RejectsInvalidTransition(t *testing.T) {
	repo := NewRedemptionRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newTestAttempt("ext-1")))

	// REQUESTED 不能直接到 CONFIRMED
	err := repo.UpdateStatus(ctx, nil, "ext-1",
		model.RedemptionStatusRequested, model.RedemptionStatusConfirmed)
	require.ErrorIs(t, err, ErrRedemptionStatusInvalid)
}

func TestUpdateStatusWith_SetsExtraFields(t *testing.T) {
	repo := NewRedemptionRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newTestAttempt("ext-1")))
	require.NoError(t, repo.UpdateStatus(ctx, nil, "ext-1",
		model.RedemptionStatusRequested, model.RedemptionStatusDebited))

	confirmedAt := time.Now().UTC()
	require.NoError(t, repo.UpdateStatusWith(ctx, nil, "ext-1",
		model.RedemptionStatusDebited, model.RedemptionStatusConfirmed,
		map[string]interface{}{
			"reserve_trace_id": "RT-1",
			"confirmed_at":     confirmedAt,
		}))

	attempt, err := repo.GetByExternalOrderNo(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionStatusConfirmed, attempt.Status)
	assert.Equal(t, "RT-1", attempt.ReserveTraceID)
	require.NotNil(t, attempt.ConfirmedAt)
}

func TestGetByExternalOrderNo_NotFound(t *testing.T) {
	repo := NewRedemptionRepository(newTestDB(t))

	_, err := repo.GetByExternalOrderNo(context.Background(), "no-such-order")
	require.ErrorIs(t, err, ErrRedemptionNotFound)
}

func TestListStaleByStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewRedemptionRepository(db)
	ctx := context.Background()

	old := newTestAttempt("ext-old")
	require.NoError(t, repo.Create(ctx, nil, old))
	// 回写创建时间模拟滞留
	require.NoError(t, db.Model(old).Update("created_at", time.Now().Add(-time.Hour)).Error)

	fresh := newTestAttempt("ext-fresh")
	require.NoError(t, repo.Create(ctx, nil, fresh))

	stale, err := repo.ListStaleByStatus(ctx, model.RedemptionStatusRequested, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "ext-old", stale[0].ExternalOrderNo)
}
