package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig               `mapstructure:"server"`
	MySQL    MySQLConfig                `mapstructure:"mysql"`
	Redis    RedisConfig                `mapstructure:"redis"`
	Kafka    KafkaConfig                `mapstructure:"kafka"`
	Gateway  GatewayConfig              `mapstructure:"gateway"`
	Business BusinessConfig             `mapstructure:"business"`
	Quota    map[string]QuotaRuleSet    `mapstructure:"quota"`
	Gifts    map[string]GiftCatalogItem `mapstructure:"gifts"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	RedeemResult   string `mapstructure:"redeem_result"`
	ReconcileAlert string `mapstructure:"reconcile_alert"`
}

// GatewayConfig 礼品履约网关（外部供应商）配置
type GatewayConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BusinessConfig struct {
	CASMaxRetry           int `mapstructure:"cas_max_retry"`           // 余额事务冲突重试上限
	RefundMaxRetry        int `mapstructure:"refund_max_retry"`        // 补偿退款的请求内重试上限
	MaxRetryCount         int `mapstructure:"max_retry_count"`         // outbox 消息重试上限
	RequestTimeoutMinutes int `mapstructure:"request_timeout_minutes"` // REQUESTED 状态兑换单的过期时间
	RecoveryBeforeMinutes int `mapstructure:"recovery_before_minutes"` // 恢复任务只处理早于该时间的兑换单
	DailyCounterTTLHours  int `mapstructure:"daily_counter_ttl_hours"` // 每日获取量计数器的过期时间
}

// QuotaRuleSet 某一订阅档位（free/paid）下的获取规则，key 为活动名
type QuotaRuleSet map[string]QuotaRule

// QuotaRule 单个活动的金币获取规则
type QuotaRule struct {
	ValuePer      int64 `mapstructure:"value_per"`       // 每单位活动可获得的金币数
	DailyMaxValue int64 `mapstructure:"daily_max_value"` // 每日获取上限
}

// GiftCatalogItem 可兑换礼品目录项
type GiftCatalogItem struct {
	TemplateToken string `mapstructure:"template_token"`
	Price         int64  `mapstructure:"price"` // 兑换所需金币数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// FindQuotaRule 查找 (档位, 活动) 对应的获取规则
// viper 解析 yaml 时会把 map 的 key 统一转成小写，这里做同样的归一化
func (c *Config) FindQuotaRule(tier, activity string) (QuotaRule, bool) {
	ruleSet, ok := c.Quota[strings.ToLower(tier)]
	if !ok {
		return QuotaRule{}, false
	}
	rule, ok := ruleSet[strings.ToLower(activity)]
	return rule, ok
}

// FindGift 查找礼品目录项
func (c *Config) FindGift(giftID string) (GiftCatalogItem, bool) {
	gift, ok := c.Gifts[strings.ToLower(giftID)]
	return gift, ok
}
