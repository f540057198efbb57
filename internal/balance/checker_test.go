package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

type fakeChain struct {
	latest   uint64
	balances map[uint64]int64
	calls    int
	err      error
}

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	return f.latest, f.err
}

func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, block uint64) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return big.NewInt(f.balances[block]), nil
}

type memSnapshots struct {
	rows []model.BalanceSnapshotModel
}

func (m *memSnapshots) ListSince(ctx context.Context, address string, since time.Time) ([]model.BalanceSnapshotModel, error) {
	var out []model.BalanceSnapshotModel
	for _, r := range m.rows {
		if r.Address == address && !r.BlockTime.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSnapshots) SaveBatch(ctx context.Context, snapshots []model.BalanceSnapshotModel) error {
	m.rows = append(m.rows, snapshots...)
	return nil
}

func testConfig() config.ClaimConfig {
	return config.ClaimConfig{
		WebBalanceWindow:  90 * 24 * time.Hour,
		WebMinBalanceWei:  "1000",
		BalanceSamples:    4,
		BlockTimeSeconds:  2,
		SnapshotFreshness: time.Hour,
	}
}

const addr = "0xaaaa000000000000000000000000000000001111"

func TestHadMinimumBalanceFromChain(t *testing.T) {
	fc := &fakeChain{latest: 10_000_000, balances: map[uint64]int64{10_000_000: 5000}}
	store := &memSnapshots{}
	c, err := NewChecker(fc, store, testConfig())
	require.NoError(t, err)

	ok, err := c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, store.rows, 4)

	// 第二次直接命中快照
	fc.calls = 0
	ok, err = c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, fc.calls)
}

func TestHadMinimumBalanceFalse(t *testing.T) {
	fc := &fakeChain{latest: 10_000_000, balances: map[uint64]int64{}}
	store := &memSnapshots{}
	c, err := NewChecker(fc, store, testConfig())
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }

	ok, err := c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, ok)

	// 新鲜的负结果不再查询链
	fc.calls = 0
	ok, err = c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, fc.calls)
}

func TestHadMinimumBalanceChainError(t *testing.T) {
	fc := &fakeChain{err: errors.New("rpc down")}
	c, err := NewChecker(fc, &memSnapshots{}, testConfig())
	require.NoError(t, err)

	_, err = c.HadMinimumBalance(context.Background(), addr)
	assert.Error(t, err)
}

func TestStoredSnapshotSatisfies(t *testing.T) {
	store := &memSnapshots{rows: []model.BalanceSnapshotModel{
		{Address: addr, BlockNumber: 1, BalanceWei: decimal.NewFromInt(2000), BlockTime: time.Now(), SampledAt: time.Now()},
	}}
	fc := &fakeChain{err: errors.New("should not be called")}
	c, err := NewChecker(fc, store, testConfig())
	require.NoError(t, err)

	ok, err := c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)
}

const day = 24 * time.Hour

// blocksPer 2 秒出块时 d 时间内的区块数
func blocksPer(d time.Duration) uint64 {
	return uint64(d / (2 * time.Second))
}

func TestBalanceOutsideWindowExpires(t *testing.T) {
	const latest = 10_000_000
	oldest := latest - blocksPer(90*day)
	// 只有窗口起点的区块满足下限
	fc := &fakeChain{latest: latest, balances: map[uint64]int64{oldest: 5000}}
	store := &memSnapshots{}
	c, err := NewChecker(fc, store, testConfig())
	require.NoError(t, err)

	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	ok, err := c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotEmpty(t, store.rows)
	assert.WithinDuration(t, t0.Add(-90*day), store.rows[0].BlockTime, time.Second)

	// 80 天后该区块已在窗口之外, 之后余额一直为零
	t1 := t0.Add(80 * day)
	c.now = func() time.Time { return t1 }
	fc.latest = latest + blocksPer(80*day)
	fc.calls = 0
	ok, err = c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, fc.calls)
}

func TestStoredSnapshotWindowBoundary(t *testing.T) {
	now := time.Now()
	inside := &memSnapshots{rows: []model.BalanceSnapshotModel{
		{Address: addr, BlockNumber: 1, BalanceWei: decimal.NewFromInt(2000), BlockTime: now.Add(-89 * day), SampledAt: now.Add(-89 * day)},
	}}
	fc := &fakeChain{err: errors.New("should not be called")}
	c, err := NewChecker(fc, inside, testConfig())
	require.NoError(t, err)
	c.now = func() time.Time { return now }

	ok, err := c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)

	// 读取时间很新但区块早于窗口, 不计入
	outside := &memSnapshots{rows: []model.BalanceSnapshotModel{
		{Address: addr, BlockNumber: 1, BalanceWei: decimal.NewFromInt(2000), BlockTime: now.Add(-91 * day), SampledAt: now},
	}}
	fc = &fakeChain{latest: 10_000_000, balances: map[uint64]int64{}}
	c, err = NewChecker(fc, outside, testConfig())
	require.NoError(t, err)
	c.now = func() time.Time { return now }

	ok, err = c.HadMinimumBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, fc.calls)
}
