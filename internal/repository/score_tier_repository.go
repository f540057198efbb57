package repository

import (
	"context"
	"fmt"

	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScoreTierRepository 档位配置存储
type ScoreTierRepository struct {
	db *gorm.DB
}

func NewScoreTierRepository(db *gorm.DB) *ScoreTierRepository {
	return &ScoreTierRepository{db: db}
}

// List 按 min_score 降序返回所有档位
func (r *ScoreTierRepository) List(ctx context.Context) ([]model.ScoreTierModel, error) {
	var tiers []model.ScoreTierModel
	if err := r.db.WithContext(ctx).Order("min_score DESC").Find(&tiers).Error; err != nil {
		return nil, fmt.Errorf("failed to list score tiers: %w", err)
	}
	return tiers, nil
}

// SeedDefaults 表为空时写入默认档位
func (r *ScoreTierRepository) SeedDefaults(ctx context.Context) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.ScoreTierModel{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count score tiers: %w", err)
	}
	if count > 0 {
		return nil
	}

	tiers := model.DefaultScoreTiers()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&tiers).Error
	if err != nil {
		return fmt.Errorf("failed to seed score tiers: %w", err)
	}
	return nil
}
