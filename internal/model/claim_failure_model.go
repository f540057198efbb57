package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ClaimFailureModel 转账失败账本, 供重试队列使用
type ClaimFailureModel struct {
	Id        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClaimId     string          `json:"claim_id" gorm:"type:varchar(36);index"`
	Fid         int64           `json:"fid" gorm:"index"`
	Address     string          `json:"address" gorm:"type:varchar(42);not null;index"`
	Program     string          `json:"program" gorm:"type:varchar(64);not null"`
	OptionType  string          `json:"option_type" gorm:"type:varchar(64)"`
	ClaimSource ClaimSource     `json:"claim_source" gorm:"type:varchar(20)"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(38,0)"`

	ErrorCode      string        `json:"error_code" gorm:"type:varchar(40);index"`
	ErrorMessage   string        `json:"error_message" gorm:"type:text"`
	AttemptCount   int           `json:"attempt_count" gorm:"not null;default:0"`
	NextRetryAt    *time.Time    `json:"next_retry_at" gorm:"index"`
	LastAttemptAt  *time.Time    `json:"last_attempt_at"`
	LeasedAt       *time.Time    `json:"leased_at"`
	Status         FailureStatus `json:"status" gorm:"type:varchar(32);default:'pending';index"`
	TxHash         string        `json:"tx_hash" gorm:"type:varchar(66)"`
	RequestPayload string        `json:"request_payload" gorm:"type:text"`

	// 已广播交易的发送方和 nonce. 同一 nonce 的替换交易哈希记在 PriorTxHashes, 逗号分隔
	TxSender      string `json:"tx_sender" gorm:"type:varchar(42)"`
	TxNonce       *int64 `json:"tx_nonce"`
	TxGasPrice    string `json:"tx_gas_price" gorm:"type:varchar(78)"`
	PriorTxHashes string `json:"prior_tx_hashes" gorm:"type:text"`
}

// KnownTxHashes 当前交易及其之前被替换的交易, 最多只有一笔会上链
func (f *ClaimFailureModel) KnownTxHashes() []string {
	var hashes []string
	if f.TxHash != "" {
		hashes = append(hashes, f.TxHash)
	}
	for _, h := range strings.Split(f.PriorTxHashes, ",") {
		if h = strings.TrimSpace(h); h != "" && !strings.EqualFold(h, f.TxHash) {
			hashes = append(hashes, h)
		}
	}
	return hashes
}

// SetTxHash 切换到新交易, 旧哈希移入 PriorTxHashes
func (f *ClaimFailureModel) SetTxHash(hash string) {
	if f.TxHash != "" && !strings.EqualFold(f.TxHash, hash) {
		if f.PriorTxHashes == "" {
			f.PriorTxHashes = f.TxHash
		} else {
			f.PriorTxHashes += "," + f.TxHash
		}
	}
	f.TxHash = hash
}

// ClearTx 交易确定没有上链后清空
func (f *ClaimFailureModel) ClearTx() {
	f.TxHash = ""
	f.PriorTxHashes = ""
	f.TxSender = ""
	f.TxNonce = nil
	f.TxGasPrice = ""
}

// FailureStatus 失败记录状态
type FailureStatus string

const (
	FailureStatusPending            FailureStatus = "pending"              // 等待重试
	FailureStatusProcessing         FailureStatus = "processing"           // 正在重试
	FailureStatusReconcile          FailureStatus = "reconcile"            // 已广播, 等待对账
	FailureStatusTerminal           FailureStatus = "terminal"             // 不可重试, 人工处理
	FailureStatusMaxRetriesExceeded FailureStatus = "max_retries_exceeded" // 达到上限
)

// TableName 自定义表名
func (ClaimFailureModel) TableName() string {
	return "claim_failure"
}
