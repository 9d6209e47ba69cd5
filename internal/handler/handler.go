package handler

import (
	"errors"
	"strconv"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	giftgw "coinsystem/internal/infrastructure/gift"
	"coinsystem/internal/repository"
	"coinsystem/internal/service"
	"coinsystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	coinService       *service.CoinService
	redemptionService *service.RedemptionService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	store := balance.NewStore(rdb, cfg.Business.CASMaxRetry,
		time.Duration(cfg.Business.DailyCounterTTLHours)*time.Hour)
	gateway := giftgw.NewClient(&cfg.Gateway)

	return &Handler{
		coinService:       service.NewCoinService(db, store, cfg),
		redemptionService: service.NewRedemptionService(db, store, gateway, cfg),
	}
}

// writeServiceError 业务错误统一映射为响应码
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, balance.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, balance.ErrConflictExhausted):
		response.BusinessError(c, response.CodeStoreBusy, err.Error())
	case errors.Is(err, service.ErrInvalidActivity):
		response.BusinessError(c, response.CodeInvalidActivity, err.Error())
	case errors.Is(err, service.ErrGiftNotFound):
		response.BusinessError(c, response.CodeGiftNotFound, err.Error())
	case errors.Is(err, service.ErrPriceMismatch):
		response.BusinessError(c, response.CodePriceMismatch, err.Error())
	case errors.Is(err, service.ErrInvalidPhone):
		response.BusinessError(c, response.CodeInvalidPhone, err.Error())
	case errors.Is(err, giftgw.ErrVendorUnavailable):
		response.BusinessError(c, response.CodeVendorUnavailable, err.Error())
	case errors.Is(err, service.ErrZeroDelta),
		errors.Is(err, service.ErrInvalidCount),
		errors.Is(err, service.ErrInvalidCoins):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 余额 / 流水相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/coin/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	coins, err := h.coinService.Balance(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"coins":   coins,
	})
}

// ListLogs 分页查询用户金币流水
// GET /api/v1/coin/logs?user_id=xxx&page=1&page_size=10
func (h *Handler) ListLogs(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	entries, total, err := h.coinService.Logs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 获取相关接口
// ============================================================

// AcquireCoins 活动获取金币
// POST /api/v1/coin/acquisition
//
// 【关键点】配额判断和入账在 Balance Store 的同一个乐观事务里完成，
// 并发提交也不会突破每日上限；入账为 0 时不产生流水
func (h *Handler) AcquireCoins(c *gin.Context) {
	var req service.AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.coinService.Acquire(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if result.Coins == 0 {
		response.Success(c, result)
		return
	}
	response.Created(c, result)
}

// GetRemainingQuota 查询当日剩余配额
// GET /api/v1/coin/acquisition?user_id=xxx&activity=walk&date_key=2024-01-15
func (h *Handler) GetRemainingQuota(c *gin.Context) {
	userID := c.Query("user_id")
	activity := c.Query("activity")
	if userID == "" || activity == "" {
		response.ParamError(c, "user_id 和 activity 参数不能为空")
		return
	}
	dateKey := c.DefaultQuery("date_key", time.Now().UTC().Format("2006-01-02"))

	result, err := h.coinService.RemainingQuota(c.Request.Context(), userID, activity, dateKey)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 消费 / 任务奖励接口
// ============================================================

// ConsumeRequest 消费请求
type ConsumeRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Activity string `json:"activity" binding:"required"`
	Coins    int64  `json:"coins" binding:"required,gt=0"`
}

// ConsumeCoins 消费金币
// POST /api/v1/coin/consumption
func (h *Handler) ConsumeCoins(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.coinService.Consume(c.Request.Context(), req.UserID, req.Activity, req.Coins)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Created(c, gin.H{
		"entry_no":       entry.EntryNo,
		"coins":          entry.Coins,
		"after_coins":    entry.BalanceAfter,
		"event_time_utc": entry.EventTimeUtc,
	})
}

// MissionRewardRequest 挑战任务奖励请求
type MissionRewardRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	MissionKey string `json:"mission_key" binding:"required"`
	Coins      int64  `json:"coins" binding:"required,gt=0"`
}

// GrantMissionReward 发放挑战任务奖励（不受每日配额约束）
// POST /api/v1/mission/reward
func (h *Handler) GrantMissionReward(c *gin.Context) {
	var req MissionRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.coinService.GrantMissionReward(c.Request.Context(), req.UserID, req.MissionKey, req.Coins)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Created(c, gin.H{
		"entry_no":       entry.EntryNo,
		"coins":          entry.Coins,
		"after_coins":    entry.BalanceAfter,
		"event_time_utc": entry.EventTimeUtc,
	})
}

// ============================================================
// 礼品兑换接口
// ============================================================

// RedeemGift 兑换礼品
// POST /api/v1/gift/redeem
//
// 【关键点】先扣款后下单；供应商失败时补偿退款已在本请求内完成，
// 调用方收到 2004 时余额已恢复
func (h *Handler) RedeemGift(c *gin.Context) {
	var req service.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.redemptionService.Redeem(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Created(c, result)
}

// GetRedemption 查询兑换单详情
// GET /api/v1/gift/redemption?external_order_no=xxx
func (h *Handler) GetRedemption(c *gin.Context) {
	externalOrderNo := c.Query("external_order_no")
	if externalOrderNo == "" {
		response.ParamError(c, "external_order_no 参数不能为空")
		return
	}

	attempt, err := h.redemptionService.GetByExternalOrderNo(c.Request.Context(), externalOrderNo)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			response.Error(c, response.CodeNotFound, err.Error())
			return
		}
		writeServiceError(c, err)
		return
	}

	response.Success(c, attempt)
}

// ListRedemptions 分页查询用户兑换单
// GET /api/v1/gift/redemption/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListRedemptions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	attempts, total, err := h.redemptionService.ListUserRedemptions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      attempts,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
