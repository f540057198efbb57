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

// ClaimRepository 领取记录存储
type ClaimRepository struct {
	db *gorm.DB
}

func NewClaimRepository(db *gorm.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// Create 新建领取记录, 状态为 pending
func (r *ClaimRepository) Create(ctx context.Context, claim *model.ClaimModel) error {
	if claim.Id == "" {
		claim.Id = uuid.NewString()
	}
	claim.Address = strings.ToLower(claim.Address)
	if claim.Status == "" {
		claim.Status = model.ClaimStatusPending
	}
	if err := r.db.WithContext(ctx).Create(claim).Error; err != nil {
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

func (r *ClaimRepository) GetByID(ctx context.Context, id string) (*model.ClaimModel, error) {
	var claim model.ClaimModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return &claim, nil
}

// FindSuccessByAddress 按地址查询该计划下的成功记录
func (r *ClaimRepository) FindSuccessByAddress(ctx context.Context, address, program string) (*model.ClaimModel, error) {
	return r.findSuccess(ctx, "address = ? AND program = ?", strings.ToLower(address), program)
}

// FindSuccessByFid 按社交 ID 查询该计划下的成功记录
func (r *ClaimRepository) FindSuccessByFid(ctx context.Context, fid int64, program string) (*model.ClaimModel, error) {
	if fid <= 0 {
		return nil, nil
	}
	return r.findSuccess(ctx, "fid = ? AND program = ?", fid, program)
}

func (r *ClaimRepository) findSuccess(ctx context.Context, query string, args ...interface{}) (*model.ClaimModel, error) {
	var claim model.ClaimModel
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Where("success = ?", true).
		Order("claimed_at ASC").
		First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query successful claim: %w", err)
	}
	return &claim, nil
}

// FindInFlight 该身份已广播但尚未确认的领取记录
func (r *ClaimRepository) FindInFlight(ctx context.Context, address string, fid int64, program string) (*model.ClaimModel, error) {
	query := r.db.WithContext(ctx).
		Where("program = ? AND status = ? AND success = ?", program, model.ClaimStatusSubmitted, false)
	if fid > 0 {
		query = query.Where("(address = ? OR fid = ?)", strings.ToLower(address), fid)
	} else {
		query = query.Where("address = ?", strings.ToLower(address))
	}

	var claim model.ClaimModel
	err := query.Order("created_at ASC").First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query in-flight claim: %w", err)
	}
	return &claim, nil
}

// MarkSubmitted 交易已广播但未确认
func (r *ClaimRepository) MarkSubmitted(ctx context.Context, id, txHash string) error {
	err := r.db.WithContext(ctx).Model(&model.ClaimModel{}).
		Where("id = ? AND success = ?", id, false).
		Updates(map[string]interface{}{
			"status":  model.ClaimStatusSubmitted,
			"tx_hash": txHash,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark claim submitted: %w", err)
	}
	return nil
}

// MarkSuccess 记录确认成功的交易. 唯一索引冲突返回 gorm.ErrDuplicatedKey
func (r *ClaimRepository) MarkSuccess(ctx context.Context, id, txHash string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.ClaimModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.ClaimStatusSuccess,
			"success":    true,
			"tx_hash":    txHash,
			"claimed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark claim success: %w", err)
	}
	return nil
}

// MarkFailed 标记失败, 已成功的记录不会被覆盖
func (r *ClaimRepository) MarkFailed(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.ClaimModel{}).
		Where("id = ? AND success = ?", id, false).
		Update("status", model.ClaimStatusFailed).Error
	if err != nil {
		return fmt.Errorf("failed to mark claim failed: %w", err)
	}
	return nil
}

// CountSuccess 统计身份在计划下的成功次数
func (r *ClaimRepository) CountSuccess(ctx context.Context, address, program string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ClaimModel{}).
		Where("address = ? AND program = ? AND success = ?", strings.ToLower(address), program, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	return count, nil
}
