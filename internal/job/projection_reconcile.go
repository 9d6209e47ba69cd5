package job

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/infrastructure/lock"
	"coinsystem/internal/infrastructure/mq"
	"coinsystem/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ProjectionReconcileJob 余额对账任务
//
// 余额在 Balance Store 提交、流水在数据库追加，两步之间进程崩溃会产生
// 「余额已变、流水缺失」的漂移。这里周期性地按当天有流水的 (用户, 活动)
// 组合比对两边：
//   - 当日计数器 vs 当日正向流水之和
//   - 余额 vs 全量流水变动量之和
// 只检测、只告警，不自动改数 —— 钱的问题必须有人看过再动手
type ProjectionReconcileJob struct {
	db         *gorm.DB
	store      *balance.Store
	ledgerRepo *repository.LedgerRepository
	redis      *redis.Client
	cfg        *config.Config
	instanceID string
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewProjectionReconcileJob(db *gorm.DB, store *balance.Store, redisClient *redis.Client, cfg *config.Config, instanceID string) *ProjectionReconcileJob {
	return &ProjectionReconcileJob{
		db:         db,
		store:      store,
		ledgerRepo: repository.NewLedgerRepository(db),
		redis:      redisClient,
		cfg:        cfg,
		instanceID: instanceID,
		stopCh:     make(chan struct{}),
		interval:   5 * time.Minute,
		batchSize:  200,
	}
}

func (j *ProjectionReconcileJob) Start(ctx context.Context) {
	log.Println("[ProjectionReconcile] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ProjectionReconcile] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ProjectionReconcile] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ProjectionReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ProjectionReconcileJob) sweep(ctx context.Context) {
	sweepLock := lock.NewReconcileSweepLock(j.redis, j.instanceID)
	acquired, err := sweepLock.TryLock(ctx)
	if err != nil {
		log.Printf("[ProjectionReconcile] 获取扫描锁失败: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := sweepLock.Unlock(ctx); err != nil {
			log.Printf("[ProjectionReconcile] 释放扫描锁失败: %v", err)
		}
	}()

	dateKey := time.Now().UTC().Format("2006-01-02")

	keys, err := j.ledgerRepo.ListDailyEarnKeys(ctx, dateKey, j.batchSize)
	if err != nil {
		log.Printf("[ProjectionReconcile] 查询当日获取组合失败: %v", err)
		return
	}

	checkedUsers := make(map[string]bool)
	drift := 0
	for _, key := range keys {
		if j.checkDailyCounter(ctx, dateKey, key.UserID, key.Activity) {
			drift++
		}
		if !checkedUsers[key.UserID] {
			checkedUsers[key.UserID] = true
			if j.checkBalance(ctx, key.UserID) {
				drift++
			}
		}
	}

	if drift > 0 {
		log.Printf("[ProjectionReconcile] 本轮发现 %d 处漂移，已投递告警", drift)
	}
}

// checkDailyCounter 比对当日计数器与当日正向流水之和，发现漂移返回 true
func (j *ProjectionReconcileJob) checkDailyCounter(ctx context.Context, dateKey, userID, activity string) bool {
	counter, err := j.store.DailyEarned(ctx, dateKey, userID, activity)
	if err != nil {
		log.Printf("[ProjectionReconcile] 读取当日计数器失败: userID=%s, activity=%s, err=%v", userID, activity, err)
		return false
	}

	summed, err := j.ledgerRepo.SumDailyEarned(ctx, dateKey, userID, activity)
	if err != nil {
		log.Printf("[ProjectionReconcile] 求当日流水和失败: userID=%s, activity=%s, err=%v", userID, activity, err)
		return false
	}

	if counter == summed {
		return false
	}

	log.Printf("[ProjectionReconcile] 当日计数器漂移: userID=%s, activity=%s, counter=%d, ledger=%d",
		userID, activity, counter, summed)
	j.alert(map[string]interface{}{
		"type":     "daily_counter_drift",
		"date_key": dateKey,
		"user_id":  userID,
		"activity": activity,
		"counter":  counter,
		"ledger":   summed,
	}, userID)
	return true
}

// checkBalance 比对余额与全量流水变动量之和，发现漂移返回 true
func (j *ProjectionReconcileJob) checkBalance(ctx context.Context, userID string) bool {
	coins, err := j.store.Coins(ctx, userID)
	if err != nil {
		log.Printf("[ProjectionReconcile] 读取余额失败: userID=%s, err=%v", userID, err)
		return false
	}

	summed, err := j.ledgerRepo.SumDeltas(ctx, userID)
	if err != nil {
		log.Printf("[ProjectionReconcile] 求流水变动量和失败: userID=%s, err=%v", userID, err)
		return false
	}

	if coins == summed {
		return false
	}

	log.Printf("[ProjectionReconcile] 余额漂移: userID=%s, balance=%d, ledger=%d", userID, coins, summed)
	j.alert(map[string]interface{}{
		"type":    "balance_drift",
		"user_id": userID,
		"balance": coins,
		"ledger":  summed,
	}, userID)
	return true
}

func (j *ProjectionReconcileJob) alert(fields map[string]interface{}, key string) {
	payload, _ := json.Marshal(fields)
	if err := mq.SendMessage(j.cfg.Kafka.Topic.ReconcileAlert, key, string(payload)); err != nil {
		log.Printf("[ProjectionReconcile] 告警投递失败: %v", err)
	}
}
