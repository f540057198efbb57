package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScoreTierModel 信誉分档位配置, 区间互不重叠且覆盖 [0,1]
type ScoreTierModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string          `json:"name" gorm:"type:varchar(32);uniqueIndex;not null"`
	MinScore  float64         `json:"min_score" gorm:"not null"`
	MaxScore  float64         `json:"max_score" gorm:"not null"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(38,0);not null"`
	IsDefault bool            `json:"is_default" gorm:"default:false"`
}

// TableName 自定义表名
func (ScoreTierModel) TableName() string {
	return "score_tier"
}

// DefaultScoreTiers 首次启动时写入的档位
func DefaultScoreTiers() []ScoreTierModel {
	return []ScoreTierModel{
		{Name: "low", MinScore: 0, MaxScore: 0.35, Amount: decimal.NewFromInt(50), IsDefault: true},
		{Name: "medium", MinScore: 0.35, MaxScore: 0.70, Amount: decimal.NewFromInt(100)},
		{Name: "high", MinScore: 0.70, MaxScore: 0.90, Amount: decimal.NewFromInt(300)},
		{Name: "elite", MinScore: 0.90, MaxScore: 1, Amount: decimal.NewFromInt(500)},
	}
}
