package service

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"coinsystem/internal/config"
	"coinsystem/internal/infrastructure/balance"
	"coinsystem/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	// 每个测试独立的内存库，cache=shared 让 gorm 连接池共享同一份数据
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.CoinLedgerEntry{},
		&model.RedemptionAttempt{},
		&model.OutboxMessage{},
	))
	return db
}

func newTestBalanceStore(t *testing.T) *balance.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return balance.NewStore(client, 10, 48*time.Hour)
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				RedeemResult:   "redeem_result",
				ReconcileAlert: "reconcile_alert",
			},
		},
		Business: config.BusinessConfig{
			CASMaxRetry:           10,
			RefundMaxRetry:        3,
			MaxRetryCount:         5,
			RequestTimeoutMinutes: 10,
			RecoveryBeforeMinutes: 5,
			DailyCounterTTLHours:  48,
		},
		Quota: map[string]config.QuotaRuleSet{
			"free": {
				"walk":  {ValuePer: 1, DailyMaxValue: 100},
				"stair": {ValuePer: 5, DailyMaxValue: 50},
			},
			"paid": {
				"walk":  {ValuePer: 2, DailyMaxValue: 300},
				"stair": {ValuePer: 10, DailyMaxValue: 150},
			},
		},
		Gifts: map[string]config.GiftCatalogItem{
			"americano_tall": {TemplateToken: "tmpl-americano-tall", Price: 50},
		},
	}
}
