package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 8080
business:
  cas_max_retry: 5
  refund_max_retry: 3
quota:
  free:
    walk:
      value_per: 1
      daily_max_value: 100
  paid:
    walk:
      value_per: 2
      daily_max_value: 300
gifts:
  americano_tall:
    template_token: tmpl-americano
    price: 50
`

func loadSampleConfig(t *testing.T) *Config {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))
	return LoadConfig(path)
}

func TestLoadConfig(t *testing.T) {
	cfg := loadSampleConfig(t)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Business.CASMaxRetry)
	assert.Equal(t, 3, cfg.Business.RefundMaxRetry)
}

func TestFindQuotaRule_CaseInsensitive(t *testing.T) {
	cfg := loadSampleConfig(t)

	// 档位来自 Balance Store（大写），活动名来自调用方，大小写都要归一化
	rule, ok := cfg.FindQuotaRule("FREE", "Walk")
	require.True(t, ok)
	assert.Equal(t, int64(1), rule.ValuePer)
	assert.Equal(t, int64(100), rule.DailyMaxValue)

	rule, ok = cfg.FindQuotaRule("PAID", "walk")
	require.True(t, ok)
	assert.Equal(t, int64(2), rule.ValuePer)

	_, ok = cfg.FindQuotaRule("FREE", "swimming")
	assert.False(t, ok)

	_, ok = cfg.FindQuotaRule("TRIAL", "walk")
	assert.False(t, ok)
}

func TestFindGift(t *testing.T) {
	cfg := loadSampleConfig(t)

	item, ok := cfg.FindGift("americano_tall")
	require.True(t, ok)
	assert.Equal(t, int64(50), item.Price)
	assert.Equal(t, "tmpl-americano", item.TemplateToken)

	_, ok = cfg.FindGift("unknown")
	assert.False(t, ok)
}
