package model

import (
	"time"
)

const (
	RedemptionStatusRequested    = "REQUESTED"     // 已受理，尚未扣款
	RedemptionStatusDebited      = "DEBITED"       // 已扣款，等待供应商确认
	RedemptionStatusConfirmed    = "CONFIRMED"     // 供应商确认成功（终态）
	RedemptionStatusVendorFailed = "VENDOR_FAILED" // 供应商调用失败，待补偿
	RedemptionStatusRefunded     = "REFUNDED"      // 已补偿退款（终态）
	RedemptionStatusClosed       = "CLOSED"        // 未扣款即终止（余额不足/过期）
)

// ValidStatusTransitions 兑换单状态机
// 补偿（VENDOR_FAILED → REFUNDED）依赖该表 + 条件更新保证每个
// external_order_no 至多补偿一次
var ValidStatusTransitions = map[string][]string{
	RedemptionStatusRequested:    {RedemptionStatusDebited, RedemptionStatusClosed},
	RedemptionStatusDebited:      {RedemptionStatusConfirmed, RedemptionStatusVendorFailed},
	RedemptionStatusVendorFailed: {RedemptionStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// RedemptionAttempt 礼品兑换单
// 每次兑换请求落一条记录，进程崩溃后恢复任务可以据此继续或补偿，
// 而不是依赖内存中的控制流
type RedemptionAttempt struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RedemptionNo    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"redemption_no"`
	ExternalOrderNo string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"external_order_no"` // 供应商侧幂等键
	UserID          string     `gorm:"type:varchar(64);index;not null" json:"user_id"`
	GiftID          string     `gorm:"type:varchar(64);not null" json:"gift_id"`
	Coins           int64      `gorm:"not null" json:"coins"` // 扣款金额（负数）
	PhoneNumber     string     `gorm:"type:varchar(20);not null" json:"phone_number"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ReserveTraceID  string     `gorm:"type:varchar(128)" json:"reserve_trace_id"`      // 供应商返回的预约流水号
	ReceiverID      string     `gorm:"type:varchar(64)" json:"receiver_id"`            // 供应商确认的收件人
	VendorError     string     `gorm:"type:text" json:"vendor_error,omitempty"`        // 供应商失败时的原始响应
	RefundRetry     int        `gorm:"not null;default:0" json:"refund_retry"`         // 已尝试补偿次数
	EventTimeUtc    time.Time  `gorm:"not null" json:"event_time_utc"`
	ConfirmedAt     *time.Time `json:"confirmed_at"`
	RefundedAt      *time.Time `json:"refunded_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RedemptionAttempt) TableName() string {
	return "redemption_attempt"
}
