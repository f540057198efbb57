package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"gorm.io/gorm"
)

// ClaimFailureRepository 失败账本存储
type ClaimFailureRepository struct {
	db *gorm.DB
}

func NewClaimFailureRepository(db *gorm.DB) *ClaimFailureRepository {
	return &ClaimFailureRepository{db: db}
}

func (r *ClaimFailureRepository) Create(ctx context.Context, failure *model.ClaimFailureModel) error {
	if failure.Id == "" {
		failure.Id = uuid.NewString()
	}
	failure.Address = strings.ToLower(failure.Address)
	if failure.Status == "" {
		failure.Status = model.FailureStatusPending
	}
	if err := r.db.WithContext(ctx).Create(failure).Error; err != nil {
		return fmt.Errorf("failed to create claim failure: %w", err)
	}
	return nil
}

func (r *ClaimFailureRepository) GetByID(ctx context.Context, id string) (*model.ClaimFailureModel, error) {
	var failure model.ClaimFailureModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&failure).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim failure: %w", err)
	}
	return &failure, nil
}

// FindOpenByClaimID 查询领取记录对应的未结束失败
func (r *ClaimFailureRepository) FindOpenByClaimID(ctx context.Context, claimID string) (*model.ClaimFailureModel, error) {
	var failure model.ClaimFailureModel
	err := r.db.WithContext(ctx).
		Where("claim_id = ? AND status IN ?", claimID, []model.FailureStatus{
			model.FailureStatusPending, model.FailureStatusProcessing, model.FailureStatusReconcile,
		}).
		First(&failure).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim failure: %w", err)
	}
	return &failure, nil
}

// Save 写回整条记录
func (r *ClaimFailureRepository) Save(ctx context.Context, failure *model.ClaimFailureModel) error {
	if err := r.db.WithContext(ctx).Save(failure).Error; err != nil {
		return fmt.Errorf("failed to save claim failure: %w", err)
	}
	return nil
}

func (r *ClaimFailureRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.ClaimFailureModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete claim failure: %w", err)
	}
	return nil
}

// Lease 条件更新 pending -> processing, 返回是否抢到租约
func (r *ClaimFailureRepository) Lease(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.ClaimFailureModel{}).
		Where("id = ? AND status = ?", id, model.FailureStatusPending).
		Updates(map[string]interface{}{
			"status":    model.FailureStatusProcessing,
			"leased_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to lease claim failure: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListDue 到期待重试的失败记录
func (r *ClaimFailureRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ClaimFailureModel, error) {
	var failures []model.ClaimFailureModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", model.FailureStatusPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&failures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due failures: %w", err)
	}
	return failures, nil
}

// ListByStatus 按状态列出, 供对账和运维使用
func (r *ClaimFailureRepository) ListByStatus(ctx context.Context, status model.FailureStatus, offset, limit int) ([]model.ClaimFailureModel, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.ClaimFailureModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count failures: %w", err)
	}

	var failures []model.ClaimFailureModel
	if err := query.Order("created_at ASC").Offset(offset).Limit(limit).Find(&failures).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list failures: %w", err)
	}
	return failures, total, nil
}

// ReclaimStaleLeases 超时未完成的 processing 记录回到 pending
func (r *ClaimFailureRepository) ReclaimStaleLeases(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.ClaimFailureModel{}).
		Where("status = ? AND leased_at < ?", model.FailureStatusProcessing, before).
		Updates(map[string]interface{}{
			"status":    model.FailureStatusPending,
			"leased_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}
