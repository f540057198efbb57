package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshotModel 地址在某个区块的原生币余额采样
type BalanceSnapshotModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Address     string          `json:"address" gorm:"type:varchar(42);not null;uniqueIndex:idx_snapshot_address_block"`
	BlockNumber int64           `json:"block_number" gorm:"not null;uniqueIndex:idx_snapshot_address_block"`
	BalanceWei  decimal.Decimal `json:"balance_wei" gorm:"type:numeric(78,0);not null"`
	BlockTime   time.Time       `json:"block_time" gorm:"index"` // 区块时间 (按出块间隔估算), 窗口按它过滤
	SampledAt   time.Time       `json:"sampled_at"`              // 读取时间, 判断快照是否新鲜
}

// TableName 自定义表名
func (BalanceSnapshotModel) TableName() string {
	return "balance_snapshot"
}
