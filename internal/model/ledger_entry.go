package model

import (
	"time"
)

// ============================================================================
// 活动类型常量
// ============================================================================

const (
	ActivityRedemption       = "Redemption"       // 礼品兑换扣款
	ActivityRedemptionRefund = "RedemptionRefund" // 兑换失败补偿退款
	ActivityChallengeMission = "ChallengeMission" // 挑战任务奖励
)

// 订阅档位
const (
	TierFree = "FREE"
	TierPaid = "PAID"
)

// ============================================================================
// 金币流水实体
// ============================================================================

// CoinLedgerEntry 金币流水表
// 记录每一笔金币变动，是余额的最终对账依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 任意时刻用户余额 = 该用户全部 coins 之和
// 2. 记录变动前后余额 —— 便于校验余额一致性
// 3. 余额本身由 Balance Store（Redis）的单 key 事务维护，流水不反向驱动余额
type CoinLedgerEntry struct {
	ID                  int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo             string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	UserID              string    `gorm:"type:varchar(64);index:idx_user_date;not null" json:"user_id"`
	DateKey             string    `gorm:"type:varchar(10);index:idx_user_date;index:idx_date_activity;not null" json:"date_key"` // UTC 日期，如 2024-01-15
	Activity            string    `gorm:"type:varchar(64);index:idx_date_activity;not null" json:"activity"`
	Coins               int64     `gorm:"not null" json:"coins"`          // 变动量（正数入账，负数出账，不允许为 0）
	BalanceBefore       int64     `gorm:"not null" json:"before_coins"`   // 变动前余额
	BalanceAfter        int64     `gorm:"not null" json:"after_coins"`    // 变动后余额
	AcquisitionFinished bool      `gorm:"not null;default:false" json:"acquisition_finished"` // 本次获取是否已被每日上限截断
	ReferenceNo         string    `gorm:"type:varchar(128);index" json:"reference_no,omitempty"` // 关联单号（兑换扣款/退款时为 external_order_no）
	EventTimeUtc        time.Time `gorm:"not null" json:"event_time_utc"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CoinLedgerEntry) TableName() string {
	return "coin_ledger_entry"
}
