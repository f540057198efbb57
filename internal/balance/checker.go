package balance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/chain"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

// ChainReader 历史余额查询所需的链接口
type ChainReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, block uint64) (*big.Int, error)
}

// SnapshotStore 余额快照存储
type SnapshotStore interface {
	ListSince(ctx context.Context, address string, since time.Time) ([]model.BalanceSnapshotModel, error)
	SaveBatch(ctx context.Context, snapshots []model.BalanceSnapshotModel) error
}

// Checker 判断地址在过去一段时间内是否持有过足够的原生币
type Checker struct {
	chain     ChainReader
	snapshots SnapshotStore
	window    time.Duration
	minimum   decimal.Decimal
	samples   int
	blockTime int64
	freshness time.Duration
	now       func() time.Time
}

func NewChecker(chainReader ChainReader, snapshots SnapshotStore, cfg config.ClaimConfig) (*Checker, error) {
	minimum, err := decimal.NewFromString(cfg.WebMinBalanceWei)
	if err != nil {
		return nil, fmt.Errorf("invalid web_min_balance_wei %q: %w", cfg.WebMinBalanceWei, err)
	}
	return &Checker{
		chain:     chainReader,
		snapshots: snapshots,
		window:    cfg.WebBalanceWindow,
		minimum:   minimum,
		samples:   cfg.BalanceSamples,
		blockTime: cfg.BlockTimeSeconds,
		freshness: cfg.SnapshotFreshness,
		now:       time.Now,
	}, nil
}

// HadMinimumBalance 窗口内任意采样点余额 >= 下限即为 true
func (c *Checker) HadMinimumBalance(ctx context.Context, address string) (bool, error) {
	now := c.now()

	stored, err := c.snapshots.ListSince(ctx, address, now.Add(-c.window))
	if err != nil {
		return false, err
	}
	if c.meets(stored) {
		return true, nil
	}
	// 窗口内的快照都不满足且最近刚读过, 不再访问链
	if len(stored) > 0 && c.freshness > 0 && now.Sub(lastRead(stored)) < c.freshness {
		return false, nil
	}

	sampled, err := c.sample(ctx, address, now)
	if err != nil {
		return false, err
	}

	if err := c.snapshots.SaveBatch(ctx, sampled); err != nil {
		logger.Warn("Failed to store balance snapshots for %s: %v", address, err)
	}

	return c.meets(sampled), nil
}

func lastRead(snapshots []model.BalanceSnapshotModel) time.Time {
	var last time.Time
	for _, s := range snapshots {
		if s.SampledAt.After(last) {
			last = s.SampledAt
		}
	}
	return last
}

// blockTimeOf 按出块间隔估算区块时间
func (c *Checker) blockTimeOf(block, latest uint64, now time.Time) time.Time {
	if block >= latest {
		return now
	}
	return now.Add(-time.Duration(int64(latest-block)*c.blockTime) * time.Second)
}

func (c *Checker) meets(snapshots []model.BalanceSnapshotModel) bool {
	for _, s := range snapshots {
		if s.BalanceWei.GreaterThanOrEqual(c.minimum) {
			return true
		}
	}
	return false
}

func (c *Checker) sample(ctx context.Context, address string, now time.Time) ([]model.BalanceSnapshotModel, error) {
	latest, err := c.chain.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}

	account := common.HexToAddress(address)
	blocks := chain.SampleBlocks(latest, c.window, c.blockTime, c.samples)
	snapshots := make([]model.BalanceSnapshotModel, 0, len(blocks))
	for _, block := range blocks {
		balance, err := c.chain.BalanceAt(ctx, account, block)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance at block %d: %w", block, err)
		}
		snapshots = append(snapshots, model.BalanceSnapshotModel{
			Address:     address,
			BlockNumber: int64(block),
			BalanceWei:  decimal.NewFromBigInt(balance, 0),
			BlockTime:   c.blockTimeOf(block, latest, now),
			SampledAt:   now,
		})
		// 命中即可提前结束
		if decimal.NewFromBigInt(balance, 0).GreaterThanOrEqual(c.minimum) {
			break
		}
	}
	return snapshots, nil
}
