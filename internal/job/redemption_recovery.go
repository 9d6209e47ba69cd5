package job

import (
	"context"
	"log"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/lock"
	"coinsystem/internal/service"

	"github.com/go-redis/redis/v8"
)

// RedemptionRecoveryJob 兑换单恢复任务
//
// 每轮扫描三类滞留兑换单，按状态分别处理：
//   - REQUESTED 超时：扣款从未发生，直接关闭
//   - DEBITED 超时：已扣款但供应商结果未知（进程崩溃窗口），按失败补偿
//   - VENDOR_FAILED 超时：请求内补偿没走完，重试补偿直到 REFUNDED
//
// 多实例部署时用分布式锁串行化扫描，避免同一批兑换单被并发处理；
// 即使锁失效，状态机的条件更新也保证补偿不会重复入账
type RedemptionRecoveryJob struct {
	redemption *service.RedemptionService
	redis      *redis.Client
	cfg        *config.Config
	instanceID string
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewRedemptionRecoveryJob(redemption *service.RedemptionService, redisClient *redis.Client, cfg *config.Config, instanceID string) *RedemptionRecoveryJob {
	return &RedemptionRecoveryJob{
		redemption: redemption,
		redis:      redisClient,
		cfg:        cfg,
		instanceID: instanceID,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
	}
}

func (j *RedemptionRecoveryJob) Start(ctx context.Context) {
	log.Println("[RedemptionRecovery] 兑换恢复任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RedemptionRecovery] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[RedemptionRecovery] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *RedemptionRecoveryJob) Stop() {
	close(j.stopCh)
}

func (j *RedemptionRecoveryJob) sweep(ctx context.Context) {
	sweepLock := lock.NewRecoverySweepLock(j.redis, j.instanceID)
	acquired, err := sweepLock.TryLock(ctx)
	if err != nil {
		log.Printf("[RedemptionRecovery] 获取扫描锁失败: %v", err)
		return
	}
	if !acquired {
		// 其他实例正在扫描
		return
	}
	defer func() {
		if err := sweepLock.Unlock(ctx); err != nil {
			log.Printf("[RedemptionRecovery] 释放扫描锁失败: %v", err)
		}
	}()

	now := time.Now().UTC()
	// REQUESTED 的过期时间独立配置：扣款从未发生，关得宽松些也无害
	requestedBefore := now.Add(-time.Duration(j.cfg.Business.RequestTimeoutMinutes) * time.Minute)
	before := now.Add(-time.Duration(j.cfg.Business.RecoveryBeforeMinutes) * time.Minute)

	closed, err := j.redemption.CloseStaleRequested(ctx, requestedBefore, j.batchSize)
	if err != nil {
		log.Printf("[RedemptionRecovery] 扫描 REQUESTED 兑换单失败: %v", err)
	} else if closed > 0 {
		log.Printf("[RedemptionRecovery] 关闭 %d 个未扣款的超时兑换单", closed)
	}

	recovered, err := j.redemption.RecoverStaleDebited(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[RedemptionRecovery] 扫描 DEBITED 兑换单失败: %v", err)
	} else if recovered > 0 {
		log.Printf("[RedemptionRecovery] 补偿 %d 个供应商结果未知的兑换单", recovered)
	}

	refunded, err := j.redemption.RetryVendorFailed(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[RedemptionRecovery] 扫描 VENDOR_FAILED 兑换单失败: %v", err)
	} else if refunded > 0 {
		log.Printf("[RedemptionRecovery] 完成 %d 个滞留兑换单的退款", refunded)
	}
}
