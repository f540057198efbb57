package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimModel 领取记录. 同一身份在同一计划下最多一条 success = true
type ClaimModel struct {
	Id        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Fid         int64           `json:"fid" gorm:"index;uniqueIndex:idx_claim_fid_program,where:success = true AND fid > 0"`
	Address     string          `json:"address" gorm:"type:varchar(42);not null;index;uniqueIndex:idx_claim_address_program,where:success = true"`
	ClaimSource ClaimSource     `json:"claim_source" gorm:"type:varchar(20);not null"`
	Program     string          `json:"program" gorm:"type:varchar(64);not null;uniqueIndex:idx_claim_address_program,where:success = true;uniqueIndex:idx_claim_fid_program,where:success = true AND fid > 0"`
	OptionType  string          `json:"option_type" gorm:"type:varchar(64)"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(38,0);not null"`
	Score       *float64        `json:"score"`
	Tier        string          `json:"tier" gorm:"type:varchar(32)"`
	TxHash      *string         `json:"tx_hash" gorm:"type:varchar(66)"`
	Status      ClaimStatus     `json:"status" gorm:"type:varchar(20);default:'pending'"`
	Success     bool            `json:"success" gorm:"not null;default:false"`
	ClaimedAt   *time.Time      `json:"claimed_at"`
}

// ClaimStatus 领取状态
type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "pending"   // 待转账
	ClaimStatusSubmitted ClaimStatus = "submitted" // 已广播, 等待确认
	ClaimStatusSuccess   ClaimStatus = "success"   // 成功
	ClaimStatusFailed    ClaimStatus = "failed"    // 失败
)

// ClaimSource 领取来源
type ClaimSource string

const (
	ClaimSourceWeb       ClaimSource = "web"
	ClaimSourceMobile    ClaimSource = "mobile"
	ClaimSourceSocialApp ClaimSource = "social-app"
)

// Valid 是否为已知来源
func (s ClaimSource) Valid() bool {
	switch s {
	case ClaimSourceWeb, ClaimSourceMobile, ClaimSourceSocialApp:
		return true
	}
	return false
}

// TxHashValue 返回交易哈希, 未提交时为空串
func (c *ClaimModel) TxHashValue() string {
	if c == nil || c.TxHash == nil {
		return ""
	}
	return *c.TxHash
}

// TableName 自定义表名
func (ClaimModel) TableName() string {
	return "claim"
}
