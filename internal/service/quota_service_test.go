package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeEarnable(t *testing.T) {
	tests := []struct {
		name          string
		remaining     int64
		unitCount     int64
		valuePer      int64
		wantCoins     int64
		wantExhausted bool
	}{
		{"配额充足", 100, 30, 1, 30, false},
		{"恰好用完配额", 30, 30, 1, 30, true},
		{"截断到剩余配额", 5, 100, 1, 5, true},
		{"配额已耗尽", 0, 100, 1, 0, true},
		{"单位价值大于 1", 50, 3, 10, 30, false},
		{"单位价值大于 1 且截断", 25, 3, 10, 25, true},
		{"活动量为 0", 100, 0, 1, 0, false},
		{"剩余与原始奖励同为 0", 0, 0, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coins, exhausted := ComputeEarnable(tt.remaining, tt.unitCount, tt.valuePer)
			assert.Equal(t, tt.wantCoins, coins)
			assert.Equal(t, tt.wantExhausted, exhausted)
		})
	}
}
