package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/infrastructure/mq"
	"coinsystem/internal/model"
	"coinsystem/internal/repository"
	"coinsystem/pkg/idgen"

	"gorm.io/gorm"
)

var (
	// ErrZeroDelta 变动量为 0 的调用没有记账意义，直接拒绝
	ErrZeroDelta = errors.New("变动量不能为 0")
)

// LedgerService 金币账本
//
// 【关键点】余额更新必须保证：
// 1. 原子性：读余额、算新值、写回 走 Balance Store 的单 key 乐观事务，
//    同一用户的并发变更串行化，余额任何时刻不为负
// 2. 可追溯：每次成功变更同步追加一条流水，余额 == Σ流水变动量
// 3. 余额优先：余额已提交后流水落库失败，不回滚余额（反向扣款本身会有
//    竞态），记告警由对账任务异步修复
type LedgerService struct {
	db         *gorm.DB
	store      *balance.Store
	cfg        *config.Config
	ledgerRepo *repository.LedgerRepository
}

func NewLedgerService(db *gorm.DB, store *balance.Store, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:         db,
		store:      store,
		cfg:        cfg,
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// ApplyDelta 对用户余额施加一笔变更并追加流水
//
// delta 为任意非 0 整数；balance+delta < 0 时以
// balance.ErrInsufficientBalance 失败且不产生任何变更。
// 并发冲突重试耗尽返回 balance.ErrConflictExhausted，同样无部分变更，
// 调用方可整体重试。
func (s *LedgerService) ApplyDelta(ctx context.Context, userID string, delta int64, activity, referenceNo string, acquisitionFinished bool) (*model.CoinLedgerEntry, error) {
	if delta == 0 {
		return nil, ErrZeroDelta
	}

	before, after, err := s.store.UpdateCoins(ctx, userID, func(current int64) (int64, error) {
		if current+delta < 0 {
			return 0, balance.ErrInsufficientBalance
		}
		return delta, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &model.CoinLedgerEntry{
		EntryNo:             idgen.GenerateEntryNo(),
		UserID:              userID,
		DateKey:             now.Format("2006-01-02"),
		Activity:            activity,
		Coins:               delta,
		BalanceBefore:       before,
		BalanceAfter:        after,
		AcquisitionFinished: acquisitionFinished,
		ReferenceNo:         referenceNo,
		EventTimeUtc:        now,
	}

	s.Record(ctx, entry)
	return entry, nil
}

// Record 追加一条流水
//
// 余额此时已经提交，追加失败不能作为用户可见错误返回 ——
// 记错误日志并投递对账告警，由对账任务异步修复不一致
func (s *LedgerService) Record(ctx context.Context, entry *model.CoinLedgerEntry) {
	if err := s.ledgerRepo.Create(ctx, nil, entry); err != nil {
		log.Printf("[Ledger] 流水落库失败（余额已提交）: entryNo=%s, userID=%s, coins=%d, err=%v",
			entry.EntryNo, entry.UserID, entry.Coins, err)
		s.alertProjectionFailure(entry, err)
	}
}

// alertProjectionFailure 投递对账告警（尽力而为，outbox 所在的库刚刚写失败，
// 只能直发 Kafka）
func (s *LedgerService) alertProjectionFailure(entry *model.CoinLedgerEntry, cause error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":       "ledger_append_failed",
		"entry_no":   entry.EntryNo,
		"user_id":    entry.UserID,
		"date_key":   entry.DateKey,
		"activity":   entry.Activity,
		"coins":      entry.Coins,
		"after":      entry.BalanceAfter,
		"cause":      cause.Error(),
		"event_time": entry.EventTimeUtc.Format(time.RFC3339Nano),
	})

	if err := mq.SendMessage(s.cfg.Kafka.Topic.ReconcileAlert, entry.UserID, string(payload)); err != nil {
		log.Printf("[Ledger] 对账告警投递失败: entryNo=%s, err=%v", entry.EntryNo, err)
	}
}

// Logs 分页查询用户流水
func (s *LedgerService) Logs(ctx context.Context, userID string, page, pageSize int) ([]*model.CoinLedgerEntry, int64, error) {
	return s.ledgerRepo.ListByUserID(ctx, userID, page, pageSize)
}
