package handler

import (
	"coinsystem/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 余额 / 获取 / 消费相关
		coin := api.Group("/coin")
		{
			coin.GET("/balance", h.GetBalance)
			coin.POST("/acquisition", h.AcquireCoins)
			coin.GET("/acquisition", h.GetRemainingQuota)
			coin.POST("/consumption", h.ConsumeCoins)
			coin.GET("/logs", h.ListLogs)
		}

		// 礼品兑换相关
		gift := api.Group("/gift")
		{
			gift.POST("/redeem", h.RedeemGift)
			gift.GET("/redemption", h.GetRedemption)
			gift.GET("/redemption/list", h.ListRedemptions)
		}

		// 挑战任务相关
		mission := api.Group("/mission")
		{
			mission.POST("/reward", h.GrantMissionReward)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
