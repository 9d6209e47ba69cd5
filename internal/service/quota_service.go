package service

import (
	"context"
	"errors"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
)

var (
	// ErrInvalidActivity (档位, 活动) 组合在获取规则表中不存在，属调用方错误
	ErrInvalidActivity = errors.New("无效的活动类型")
)

// QuotaService 每日配额计算
//
// 规则表（档位 → 活动 → {单位价值, 每日上限}）来自配置快照，只读；
// 当日已获取量来自 Balance Store 的二级索引计数器，O(1) 读取，
// 不用扫全量流水
type QuotaService struct {
	store *balance.Store
	cfg   *config.Config
}

func NewQuotaService(store *balance.Store, cfg *config.Config) *QuotaService {
	return &QuotaService{store: store, cfg: cfg}
}

// Rule 查找 (档位, 活动) 对应的获取规则
func (s *QuotaService) Rule(tier, activity string) (config.QuotaRule, error) {
	rule, ok := s.cfg.FindQuotaRule(tier, activity)
	if !ok {
		return config.QuotaRule{}, ErrInvalidActivity
	}
	return rule, nil
}

// RemainingQuota 计算用户某天在某活动上还能获取多少金币
// 当日已获取量达到或超过每日上限时返回 0
func (s *QuotaService) RemainingQuota(ctx context.Context, userID, activity, dateKey, tier string) (int64, error) {
	rule, err := s.Rule(tier, activity)
	if err != nil {
		return 0, err
	}

	earned, err := s.store.DailyEarned(ctx, dateKey, userID, activity)
	if err != nil {
		return 0, err
	}

	if earned >= rule.DailyMaxValue {
		return 0, nil
	}
	return rule.DailyMaxValue - earned, nil
}

// ComputeEarnable 计算本次实际入账量
//
// 原始奖励 = 单位价值 × 活动量；剩余配额不足以覆盖原始奖励时，
// 截断到剩余配额并置 quotaExhausted（落到流水的 acquisition_finished）。
// 注意是截断而不是拒绝：超量请求拿到部分奖励是刻意为之的策略
func ComputeEarnable(remaining, unitCount, valuePer int64) (coins int64, quotaExhausted bool) {
	raw := valuePer * unitCount
	if remaining <= raw {
		return remaining, true
	}
	return raw, false
}
