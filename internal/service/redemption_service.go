package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/infrastructure/gift"
	"coinsystem/internal/infrastructure/mq"
	"coinsystem/internal/model"
	"coinsystem/internal/repository"
	"coinsystem/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrGiftNotFound  = errors.New("礼品信息不存在")
	ErrPriceMismatch = errors.New("金币数量与礼品价格不一致")
	ErrInvalidPhone  = errors.New("手机号格式非法")
)

// 收件人手机号：010-0000-0000 或 01000000000
var phonePattern = regexp.MustCompile(`^010-?\d{4}-?\d{4}$`)

func isValidPhoneNumber(phone string) bool {
	return phonePattern.MatchString(phone)
}

// RedemptionService 礼品兑换工作流
//
// 每次兑换是一个显式状态机，兑换单落库，崩溃后可恢复：
//
//   REQUESTED → DEBITED → CONFIRMED            （成功终态）
//   REQUESTED → DEBITED → VENDOR_FAILED → REFUNDED （失败终态）
//   REQUESTED → CLOSED                          （未扣款即终止）
//
// 【为什么先扣款再调供应商？】账本里绝不会出现「金币已花掉但礼品从未
// 向供应商下过单」的状态；代价是供应商失败路径需要补偿退款。
// 反过来（先下单后扣款）则可能白送礼品。
//
// 【补偿的幂等性】补偿退款前先按 external_order_no 查退款流水，
// 已存在则跳过入账只推进状态；状态转移本身是带原状态条件的更新。
// 两层兜底保证每个 external_order_no 至多补偿一次
type RedemptionService struct {
	db             *gorm.DB
	store          *balance.Store
	cfg            *config.Config
	gateway        *gift.Client
	ledger         *LedgerService
	ledgerRepo     *repository.LedgerRepository
	redemptionRepo *repository.RedemptionRepository
	outboxRepo     *repository.OutboxRepository
}

func NewRedemptionService(db *gorm.DB, store *balance.Store, gateway *gift.Client, cfg *config.Config) *RedemptionService {
	return &RedemptionService{
		db:             db,
		store:          store,
		cfg:            cfg,
		gateway:        gateway,
		ledger:         NewLedgerService(db, store, cfg),
		ledgerRepo:     repository.NewLedgerRepository(db),
		redemptionRepo: repository.NewRedemptionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// RedeemRequest 兑换请求
type RedeemRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	GiftID      string `json:"gift_id" binding:"required"`
	Coins       int64  `json:"coins" binding:"required,gt=0"` // 调用方声明的扣款金额，必须与目录价格一致
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// RedeemResponse 兑换结果（供应商确认成功后才会产生）
type RedeemResponse struct {
	RedemptionNo    string    `json:"redemption_no"`
	ExternalOrderNo string    `json:"external_order_no"`
	GiftID          string    `json:"gift_id"`
	Coins           int64     `json:"coins"` // 扣款金额（负数）
	ReserveTraceID  string    `json:"reserve_trace_id"`
	ReceiverID      string    `json:"receiver_id"`
	BalanceAfter    int64     `json:"after_coins"`
	EventTimeUtc    time.Time `json:"event_time_utc"`
}

// Redeem 兑换礼品
func (s *RedemptionService) Redeem(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	// 任何状态变更前先完成全部校验
	if !isValidPhoneNumber(req.PhoneNumber) {
		return nil, ErrInvalidPhone
	}

	catalogItem, ok := s.cfg.FindGift(req.GiftID)
	if !ok {
		return nil, ErrGiftNotFound
	}

	if req.Coins != catalogItem.Price {
		return nil, fmt.Errorf("%w: 请求 %d, 目录价格 %d", ErrPriceMismatch, req.Coins, catalogItem.Price)
	}

	now := time.Now().UTC()
	attempt := &model.RedemptionAttempt{
		RedemptionNo:    idgen.GenerateRedemptionNo(),
		ExternalOrderNo: idgen.GenerateExternalOrderNo(req.UserID),
		UserID:          req.UserID,
		GiftID:          req.GiftID,
		Coins:           -catalogItem.Price,
		PhoneNumber:     req.PhoneNumber,
		Status:          model.RedemptionStatusRequested,
		EventTimeUtc:    now,
	}
	if err := s.redemptionRepo.Create(ctx, nil, attempt); err != nil {
		return nil, fmt.Errorf("创建兑换单失败: %w", err)
	}

	// REQUESTED → DEBITED：先扣款，再调供应商
	debitEntry, err := s.ledger.ApplyDelta(ctx, req.UserID, -catalogItem.Price, model.ActivityRedemption, attempt.ExternalOrderNo, false)
	if err != nil {
		// 扣款没有发生，兑换单终止，绝不触达供应商
		if closeErr := s.redemptionRepo.UpdateStatus(ctx, nil, attempt.ExternalOrderNo,
			model.RedemptionStatusRequested, model.RedemptionStatusClosed); closeErr != nil {
			log.Printf("[Redemption] 关闭未扣款兑换单失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, closeErr)
		}
		return nil, err
	}

	if err := s.redemptionRepo.UpdateStatus(ctx, nil, attempt.ExternalOrderNo,
		model.RedemptionStatusRequested, model.RedemptionStatusDebited); err != nil {
		log.Printf("[Redemption] 兑换单状态推进失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
	}

	// DEBITED → CONFIRMED | VENDOR_FAILED
	// external_order_no 是供应商侧幂等键，同一兑换单只下一次单
	orderResult, vendorErr := s.gateway.PlaceOrder(ctx, &gift.OrderRequest{
		UserID:          req.UserID,
		PhoneNumber:     req.PhoneNumber,
		TemplateToken:   catalogItem.TemplateToken,
		ExternalOrderNo: attempt.ExternalOrderNo,
	})

	if vendorErr != nil {
		// 扣款之后、供应商确认之前的错误不允许原样上抛，
		// 必须先走补偿转移
		if err := s.redemptionRepo.UpdateStatusWith(ctx, nil, attempt.ExternalOrderNo,
			model.RedemptionStatusDebited, model.RedemptionStatusVendorFailed,
			map[string]interface{}{"vendor_error": vendorErr.Error()}); err != nil {
			log.Printf("[Redemption] 标记供应商失败状态失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
		}

		attempt.Status = model.RedemptionStatusVendorFailed
		if compErr := s.CompensateAttempt(ctx, attempt); compErr != nil {
			log.Printf("[Redemption] 请求内补偿未完成，移交恢复任务: externalOrderNo=%s, err=%v",
				attempt.ExternalOrderNo, compErr)
		}
		return nil, vendorErr
	}

	// 供应商确认成功：兑换记录与结果事件在同一个数据库事务里落库
	confirmedAt := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.redemptionRepo.UpdateStatusWith(ctx, tx, attempt.ExternalOrderNo,
			model.RedemptionStatusDebited, model.RedemptionStatusConfirmed,
			map[string]interface{}{
				"reserve_trace_id": orderResult.ReserveTraceID,
				"receiver_id":      orderResult.ReceiverID,
				"confirmed_at":     confirmedAt,
			}); err != nil {
			return err
		}
		return s.createResultOutbox(ctx, tx, attempt, model.RedemptionStatusConfirmed, orderResult.ReserveTraceID)
	})
	if err != nil {
		// 礼品已发出、金币已扣，确认记录落库失败只能告警对账，不能回滚
		log.Printf("[Redemption] 确认记录落库失败（礼品已发出）: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
		s.alert("redemption_confirm_persist_failed", attempt, err)
	}

	return &RedeemResponse{
		RedemptionNo:    attempt.RedemptionNo,
		ExternalOrderNo: attempt.ExternalOrderNo,
		GiftID:          attempt.GiftID,
		Coins:           attempt.Coins,
		ReserveTraceID:  orderResult.ReserveTraceID,
		ReceiverID:      orderResult.ReceiverID,
		BalanceAfter:    debitEntry.BalanceAfter,
		EventTimeUtc:    attempt.EventTimeUtc,
	}, nil
}

// CompensateAttempt 补偿退款：VENDOR_FAILED → REFUNDED
//
// 请求内失败路径和后台恢复任务共用。退款流水先查重（按 external_order_no
// + RedemptionRefund），已退过则只推进状态；彻底失败时升级告警 ——
// 用户被白扣金币是本工作流最严重的故障，宁可报警也不能静默丢弃
func (s *RedemptionService) CompensateAttempt(ctx context.Context, attempt *model.RedemptionAttempt) error {
	refundCoins := -attempt.Coins // 扣款金额取反，恢复余额

	existing, err := s.ledgerRepo.GetByReferenceAndActivity(ctx, attempt.ExternalOrderNo, model.ActivityRedemptionRefund)
	if err != nil {
		return err
	}

	if existing == nil {
		maxRetry := s.cfg.Business.RefundMaxRetry
		if maxRetry <= 0 {
			maxRetry = 3
		}

		var refundErr error
		for i := 0; i < maxRetry; i++ {
			_, refundErr = s.ledger.ApplyDelta(ctx, attempt.UserID, refundCoins,
				model.ActivityRedemptionRefund, attempt.ExternalOrderNo, false)
			if refundErr == nil {
				break
			}
			if err := s.redemptionRepo.IncrementRefundRetry(ctx, attempt.ExternalOrderNo); err != nil {
				log.Printf("[Redemption] 补偿重试计数失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
		if refundErr != nil {
			s.alert("redemption_refund_exhausted", attempt, refundErr)
			return fmt.Errorf("补偿退款失败: %w", refundErr)
		}
	}

	refundedAt := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.redemptionRepo.UpdateStatusWith(ctx, tx, attempt.ExternalOrderNo,
			model.RedemptionStatusVendorFailed, model.RedemptionStatusRefunded,
			map[string]interface{}{"refunded_at": refundedAt}); err != nil {
			return err
		}
		return s.createResultOutbox(ctx, tx, attempt, model.RedemptionStatusRefunded, "")
	})
	if errors.Is(err, repository.ErrRedemptionStatusInvalid) {
		// 其他实例已完成补偿
		return nil
	}
	return err
}

func (s *RedemptionService) createResultOutbox(ctx context.Context, tx *gorm.DB, attempt *model.RedemptionAttempt, status, reserveTraceID string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"external_order_no": attempt.ExternalOrderNo,
		"redemption_no":     attempt.RedemptionNo,
		"user_id":           attempt.UserID,
		"gift_id":           attempt.GiftID,
		"coins":             attempt.Coins,
		"status":            status,
		"reserve_trace_id":  reserveTraceID,
		"event_time":        time.Now().UTC().Format(time.RFC3339),
	})

	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: attempt.ExternalOrderNo,
		Topic:      s.cfg.Kafka.Topic.RedeemResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

func (s *RedemptionService) alert(alertType string, attempt *model.RedemptionAttempt, cause error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":              alertType,
		"external_order_no": attempt.ExternalOrderNo,
		"user_id":           attempt.UserID,
		"gift_id":           attempt.GiftID,
		"coins":             attempt.Coins,
		"cause":             cause.Error(),
	})
	if err := mq.SendMessage(s.cfg.Kafka.Topic.ReconcileAlert, attempt.UserID, string(payload)); err != nil {
		log.Printf("[Redemption] 告警投递失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
	}
}

// GetByExternalOrderNo 查询兑换单
func (s *RedemptionService) GetByExternalOrderNo(ctx context.Context, externalOrderNo string) (*model.RedemptionAttempt, error) {
	return s.redemptionRepo.GetByExternalOrderNo(ctx, externalOrderNo)
}

// ListUserRedemptions 分页查询用户兑换单
func (s *RedemptionService) ListUserRedemptions(ctx context.Context, userID string, page, pageSize int) ([]*model.RedemptionAttempt, int64, error) {
	return s.redemptionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// CloseStaleRequested 关闭长时间停留在 REQUESTED 的兑换单（扣款从未发生）
func (s *RedemptionService) CloseStaleRequested(ctx context.Context, before time.Time, limit int) (int, error) {
	attempts, err := s.redemptionRepo.ListStaleByStatus(ctx, model.RedemptionStatusRequested, before, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, attempt := range attempts {
		err := s.redemptionRepo.UpdateStatus(ctx, nil, attempt.ExternalOrderNo,
			model.RedemptionStatusRequested, model.RedemptionStatusClosed)
		if err != nil {
			log.Printf("[Redemption] 关闭过期兑换单失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
			continue
		}
		closed++
	}
	return closed, nil
}

// RecoverStaleDebited 处理崩溃遗留的 DEBITED 兑换单
//
// 已扣款但供应商结果未知：供应商侧以 external_order_no 幂等，但我们无法
// 证明当初的下单请求送达过，按失败补偿是对用户安全的方向
func (s *RedemptionService) RecoverStaleDebited(ctx context.Context, before time.Time, limit int) (int, error) {
	attempts, err := s.redemptionRepo.ListStaleByStatus(ctx, model.RedemptionStatusDebited, before, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, attempt := range attempts {
		err := s.redemptionRepo.UpdateStatusWith(ctx, nil, attempt.ExternalOrderNo,
			model.RedemptionStatusDebited, model.RedemptionStatusVendorFailed,
			map[string]interface{}{"vendor_error": "恢复任务: 供应商调用结果未知，按失败补偿"})
		if err != nil {
			// 请求线程可能刚好推进了状态，跳过
			continue
		}

		attempt.Status = model.RedemptionStatusVendorFailed
		if err := s.CompensateAttempt(ctx, attempt); err != nil {
			log.Printf("[Redemption] 恢复补偿失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RetryVendorFailed 重试停留在 VENDOR_FAILED 的补偿
func (s *RedemptionService) RetryVendorFailed(ctx context.Context, before time.Time, limit int) (int, error) {
	attempts, err := s.redemptionRepo.ListStaleByStatus(ctx, model.RedemptionStatusVendorFailed, before, limit)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, attempt := range attempts {
		if err := s.CompensateAttempt(ctx, attempt); err != nil {
			log.Printf("[Redemption] 补偿重试失败: externalOrderNo=%s, err=%v", attempt.ExternalOrderNo, err)
			continue
		}
		refunded++
	}
	return refunded, nil
}
