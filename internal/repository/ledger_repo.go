package repository

import (
	"context"

	"coinsystem/internal/model"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Create 追加一条金币流水。流水只追加，不提供更新和删除
func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.CoinLedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *LedgerRepository) GetByEntryNo(ctx context.Context, entryNo string) (*model.CoinLedgerEntry, error) {
	var entry model.CoinLedgerEntry
	err := r.db.WithContext(ctx).Where("entry_no = ?", entryNo).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetByReferenceAndActivity 按关联单号和活动类型查流水
// 补偿退款前先查这里，保证同一兑换单不会退两次（幂等校验）
func (r *LedgerRepository) GetByReferenceAndActivity(ctx context.Context, referenceNo, activity string) (*model.CoinLedgerEntry, error) {
	var entry model.CoinLedgerEntry
	err := r.db.WithContext(ctx).
		Where("reference_no = ? AND activity = ?", referenceNo, activity).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.CoinLedgerEntry, int64, error) {
	var entries []*model.CoinLedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CoinLedgerEntry{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// SumDeltas 求用户全部流水的变动量之和，对账任务用它校验
// 「余额 == Σdelta」这一全局不变式
func (r *LedgerRepository) SumDeltas(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.CoinLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(coins), 0)").
		Scan(&sum).Error
	return sum, err
}

// SumDailyEarned 求用户某天在某活动上的正向流水之和
// 与 Balance Store 的当日计数器比对，检测二级索引漂移
func (r *LedgerRepository) SumDailyEarned(ctx context.Context, dateKey, userID, activity string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.CoinLedgerEntry{}).
		Where("date_key = ? AND user_id = ? AND activity = ? AND coins > 0", dateKey, userID, activity).
		Select("COALESCE(SUM(coins), 0)").
		Scan(&sum).Error
	return sum, err
}

// DailyEarnKey 当日有正向流水的 (用户, 活动) 组合
type DailyEarnKey struct {
	UserID   string
	Activity string
}

// ListDailyEarnKeys 列出某天所有产生过获取流水的 (用户, 活动) 组合，
// 供对账任务逐一比对
func (r *LedgerRepository) ListDailyEarnKeys(ctx context.Context, dateKey string, limit int) ([]DailyEarnKey, error) {
	var keys []DailyEarnKey
	err := r.db.WithContext(ctx).
		Model(&model.CoinLedgerEntry{}).
		Where("date_key = ? AND coins > 0", dateKey).
		Select("DISTINCT user_id, activity").
		Limit(limit).
		Scan(&keys).Error
	return keys, err
}
