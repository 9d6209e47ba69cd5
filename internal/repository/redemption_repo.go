package repository

import (
	"context"
	"errors"
	"time"

	"coinsystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRedemptionNotFound      = errors.New("兑换单不存在")
	ErrRedemptionStatusInvalid = errors.New("兑换单状态不合法")
)

type RedemptionRepository struct {
	db *gorm.DB
}

func NewRedemptionRepository(db *gorm.DB) *RedemptionRepository {
	return &RedemptionRepository{db: db}
}

func (r *RedemptionRepository) Create(ctx context.Context, tx *gorm.DB, attempt *model.RedemptionAttempt) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(attempt).Error
}

func (r *RedemptionRepository) GetByExternalOrderNo(ctx context.Context, externalOrderNo string) (*model.RedemptionAttempt, error) {
	var attempt model.RedemptionAttempt
	err := r.db.WithContext(ctx).Where("external_order_no = ?", externalOrderNo).First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// UpdateStatus 带状态机校验的条件更新
// WHERE 条件带上 fromStatus，因此并发的状态转移只有一个能成功 ——
// 这是「每个 external_order_no 至多补偿一次」的保证所在
func (r *RedemptionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, externalOrderNo string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrRedemptionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.RedemptionAttempt{}).
		Where("external_order_no = ? AND status = ?", externalOrderNo, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRedemptionStatusInvalid
	}
	return nil
}

// UpdateStatusWith 条件状态转移的同时更新附加字段（供应商流水号、退款时间等）
func (r *RedemptionRepository) UpdateStatusWith(ctx context.Context, tx *gorm.DB, externalOrderNo string, fromStatus, toStatus string, updates map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrRedemptionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus

	result := tx.WithContext(ctx).
		Model(&model.RedemptionAttempt{}).
		Where("external_order_no = ? AND status = ?", externalOrderNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRedemptionStatusInvalid
	}
	return nil
}

func (r *RedemptionRepository) IncrementRefundRetry(ctx context.Context, externalOrderNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.RedemptionAttempt{}).
		Where("external_order_no = ?", externalOrderNo).
		UpdateColumn("refund_retry", gorm.Expr("refund_retry + 1")).Error
}

func (r *RedemptionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.RedemptionAttempt, int64, error) {
	var attempts []*model.RedemptionAttempt
	var total int64

	query := r.db.WithContext(ctx).Model(&model.RedemptionAttempt{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&attempts).Error

	return attempts, total, err
}

// ListStaleByStatus 查询创建时间早于 before 且仍停留在指定状态的兑换单，
// 恢复任务据此继续推进或补偿
func (r *RedemptionRepository) ListStaleByStatus(ctx context.Context, status string, before time.Time, limit int) ([]*model.RedemptionAttempt, error) {
	var attempts []*model.RedemptionAttempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}
