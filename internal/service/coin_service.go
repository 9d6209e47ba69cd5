package service

import (
	"context"
	"errors"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/model"
	"coinsystem/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidCount = errors.New("活动量不能为负")
	ErrInvalidCoins = errors.New("金币数必须大于 0")
)

// CoinService 金币获取 / 消费 / 任务奖励
type CoinService struct {
	store  *balance.Store
	cfg    *config.Config
	quota  *QuotaService
	ledger *LedgerService
}

func NewCoinService(db *gorm.DB, store *balance.Store, cfg *config.Config) *CoinService {
	return &CoinService{
		store:  store,
		cfg:    cfg,
		quota:  NewQuotaService(store, cfg),
		ledger: NewLedgerService(db, store, cfg),
	}
}

// AcquireRequest 活动获取请求
type AcquireRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Activity string `json:"activity" binding:"required"`
	DateKey  string `json:"date_key" binding:"required"` // UTC 日期，如 2024-01-15
	Count    int64  `json:"count"`                       // 活动量（步数、层数等的单位数）
}

// AcquireResult 活动获取结果
type AcquireResult struct {
	Coins               int64     `json:"coins"`                // 实际入账金币数
	AcquisitionFinished bool      `json:"acquisition_finished"` // 每日上限是否已触达
	BalanceAfter        int64     `json:"after_coins"`
	EventTimeUtc        time.Time `json:"event_time_utc"`
	EntryNo             string    `json:"entry_no,omitempty"` // 入账为 0 时无流水
}

// Acquire 活动获取金币
//
// 配额判断与入账在 Balance Store 的同一个乐观事务里完成，
// 因此同一用户并发提交超量请求时，当天合计入账也不会超过每日上限。
// 剩余配额为 0 时短路返回：入账 0 且不落流水（零变更不记账）
func (s *CoinService) Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResult, error) {
	if req.Count < 0 {
		return nil, ErrInvalidCount
	}

	tier, err := s.store.SubscriptionTier(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	rule, err := s.quota.Rule(tier, req.Activity)
	if err != nil {
		return nil, err
	}

	// 冲突重试时闭包会被多次调用，finished 每次都重算，无副作用
	var finished bool
	result, err := s.store.EarnCoins(ctx, req.UserID, req.Activity, req.DateKey, func(_, earnedToday int64) (int64, error) {
		remaining := rule.DailyMaxValue - earnedToday
		if remaining < 0 {
			remaining = 0
		}
		var award int64
		award, finished = ComputeEarnable(remaining, req.Count, rule.ValuePer)
		return award, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if result.Awarded == 0 {
		return &AcquireResult{
			Coins:               0,
			AcquisitionFinished: finished,
			BalanceAfter:        result.BalanceAfter,
			EventTimeUtc:        now,
		}, nil
	}

	entry := &model.CoinLedgerEntry{
		EntryNo:             idgen.GenerateEntryNo(),
		UserID:              req.UserID,
		DateKey:             req.DateKey,
		Activity:            req.Activity,
		Coins:               result.Awarded,
		BalanceBefore:       result.BalanceBefore,
		BalanceAfter:        result.BalanceAfter,
		AcquisitionFinished: finished,
		EventTimeUtc:        now,
	}
	s.ledger.Record(ctx, entry)

	return &AcquireResult{
		Coins:               result.Awarded,
		AcquisitionFinished: finished,
		BalanceAfter:        result.BalanceAfter,
		EventTimeUtc:        now,
		EntryNo:             entry.EntryNo,
	}, nil
}

// QuotaResult 剩余配额查询结果
type QuotaResult struct {
	Activity       string `json:"activity"`
	RemainingCoins int64  `json:"remaining_coins"`
	ValuePer       int64  `json:"value_per"`
}

// RemainingQuota 查询用户某天在某活动上的剩余配额
func (s *CoinService) RemainingQuota(ctx context.Context, userID, activity, dateKey string) (*QuotaResult, error) {
	tier, err := s.store.SubscriptionTier(ctx, userID)
	if err != nil {
		return nil, err
	}

	rule, err := s.quota.Rule(tier, activity)
	if err != nil {
		return nil, err
	}

	remaining, err := s.quota.RemainingQuota(ctx, userID, activity, dateKey, tier)
	if err != nil {
		return nil, err
	}

	return &QuotaResult{
		Activity:       activity,
		RemainingCoins: remaining,
		ValuePer:       rule.ValuePer,
	}, nil
}

// Consume 消费金币
// coins 为正数，内部转为负向变更；余额不足以
// balance.ErrInsufficientBalance 失败且余额不变
func (s *CoinService) Consume(ctx context.Context, userID, activity string, coins int64) (*model.CoinLedgerEntry, error) {
	if coins <= 0 {
		return nil, ErrInvalidCoins
	}
	return s.ledger.ApplyDelta(ctx, userID, -coins, activity, "", false)
}

// GrantMissionReward 挑战任务奖励
// 固定额度入账，不受每日配额约束，活动类型固定为 ChallengeMission
func (s *CoinService) GrantMissionReward(ctx context.Context, userID, missionKey string, coins int64) (*model.CoinLedgerEntry, error) {
	if coins <= 0 {
		return nil, ErrInvalidCoins
	}
	return s.ledger.ApplyDelta(ctx, userID, coins, model.ActivityChallengeMission, missionKey, false)
}

// Balance 查询用户当前余额
func (s *CoinService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.Coins(ctx, userID)
}

// Logs 分页查询用户流水
func (s *CoinService) Logs(ctx context.Context, userID string, page, pageSize int) ([]*model.CoinLedgerEntry, int64, error) {
	return s.ledger.Logs(ctx, userID, page, pageSize)
}
