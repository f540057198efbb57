package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceSnapshotRepository 历史余额采样存储
type BalanceSnapshotRepository struct {
	db *gorm.DB
}

func NewBalanceSnapshotRepository(db *gorm.DB) *BalanceSnapshotRepository {
	return &BalanceSnapshotRepository{db: db}
}

// ListSince 返回区块时间在 since 之后的快照, 按区块升序
func (r *BalanceSnapshotRepository) ListSince(ctx context.Context, address string, since time.Time) ([]model.BalanceSnapshotModel, error) {
	var snapshots []model.BalanceSnapshotModel
	err := r.db.WithContext(ctx).
		Where("address = ? AND block_time >= ?", strings.ToLower(address), since).
		Order("block_number ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list balance snapshots: %w", err)
	}
	return snapshots, nil
}

// SaveBatch 批量写入, 相同 (address, block_number) 忽略
func (r *BalanceSnapshotRepository) SaveBatch(ctx context.Context, snapshots []model.BalanceSnapshotModel) error {
	if len(snapshots) == 0 {
		return nil
	}
	for i := range snapshots {
		snapshots[i].Address = strings.ToLower(snapshots[i].Address)
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}, {Name: "block_number"}},
			DoNothing: true,
		}).
		Create(&snapshots).Error
	if err != nil {
		return fmt.Errorf("failed to save balance snapshots: %w", err)
	}
	return nil
}
