package logic

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/cache"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

const testAddress = "0xAAAA000000000000000000000000000000001111"

func defaultTable(t *testing.T) *TierTable {
	t.Helper()
	table, err := NewTierTable(model.DefaultScoreTiers())
	require.NoError(t, err)
	return table
}

func ptr(f float64) *float64 { return &f }

func TestAmountForScoreBoundaries(t *testing.T) {
	table := defaultTable(t)
	tests := []struct {
		score *float64
		want  int64
	}{
		{nil, 50},
		{ptr(math.NaN()), 50},
		{ptr(-0.1), 50},
		{ptr(1.5), 50},
		{ptr(0), 50},
		{ptr(0.349), 50},
		{ptr(0.35), 100},
		{ptr(0.5), 100},
		{ptr(0.70), 300},
		{ptr(0.8999), 300},
		{ptr(0.90), 500},
		{ptr(1), 500},
	}
	for _, tt := range tests {
		got := table.AmountForScore(tt.score)
		assert.True(t, got.Equal(decimal.NewFromInt(tt.want)), "score %v: got %s want %d", tt.score, got, tt.want)
	}
}

func TestAmountForScoreMonotonic(t *testing.T) {
	table := defaultTable(t)
	prev := decimal.Zero
	for i := 0; i <= 1000; i++ {
		s := float64(i) / 1000
		amount := table.AmountForScore(&s)
		assert.True(t, amount.IsPositive(), "score %v", s)
		assert.True(t, amount.GreaterThanOrEqual(prev), "score %v dropped from %s to %s", s, prev, amount)
		prev = amount
	}
}

func TestTierTableWithGap(t *testing.T) {
	table, err := NewTierTable([]model.ScoreTierModel{
		{Name: "low", MinScore: 0, MaxScore: 0.3, Amount: decimal.NewFromInt(10), IsDefault: true},
		{Name: "high", MinScore: 0.6, MaxScore: 1, Amount: decimal.NewFromInt(90)},
	})
	require.NoError(t, err)
	assert.Equal(t, "low", table.Resolve(ptr(0.45)).Name)
	assert.Equal(t, "high", table.Resolve(ptr(0.6)).Name)

	_, err = NewTierTable(nil)
	assert.Error(t, err)
}

func TestGetClaimAmountWebBalanceOK(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.scores[7] = 0.5

	result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceWeb, 7)
	require.NoError(t, err)
	assert.Equal(t, "medium", result.Tier)
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(100)))
}

func TestGetClaimAmountWebFailingBalance(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.scores[7] = 0.95
	env.balances.ok = false

	result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceWeb, 7)
	require.NoError(t, err)
	assert.Equal(t, "low", result.Tier)
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(50)))
}

func TestGetClaimAmountWebBalanceError(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.scores[7] = 0.95
	env.balances.err = errors.New("rpc down")

	result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceWeb, 7)
	require.NoError(t, err)
	assert.Equal(t, "low", result.Tier)
}

func TestGetClaimAmountMobileSkipsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.scores[7] = 0.95
	env.balances.ok = false

	result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceMobile, 7)
	require.NoError(t, err)
	assert.Equal(t, "elite", result.Tier)
}

func TestGetClaimAmountReputationDown(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.err = errors.New("neynar returned status 503")

	result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceSocialApp, 7)
	require.NoError(t, err)
	assert.Equal(t, "low", result.Tier)
	assert.Nil(t, result.Score)
}

func TestGetClaimAmountInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.scorer.GetClaimAmount(context.Background(), "0x123", model.ClaimSourceWeb, 0)
	assert.Equal(t, apperr.CodeInvalidAddress, apperr.CodeOf(err))

	_, err = env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSource("desktop"), 0)
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}

func TestGetClaimAmountTiersUnavailable(t *testing.T) {
	tierCache, err := cache.NewTTLCache(8, time.Minute)
	require.NoError(t, err)
	scorer := NewScorer(&fakeReputation{}, &fakeBalances{ok: true}, failingTiers{}, tierCache, cache.NewCoalescer(nil), nil)

	result, err := scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceWeb, 1)
	assert.Equal(t, apperr.CodeAmountUnavailable, apperr.CodeOf(err))
	require.NotNil(t, result)
	assert.True(t, result.Amount.IsZero())
	assert.Equal(t, UnknownTier, result.Tier)
}

func TestGetClaimAmountCoalesces(t *testing.T) {
	env := newTestEnv(t)
	env.reputation.scores[9] = 0.75
	env.reputation.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.scorer.GetClaimAmount(context.Background(), testAddress, model.ClaimSourceMobile, 9)
			assert.NoError(t, err)
			assert.Equal(t, "high", result.Tier)
		}()
	}
	wg.Wait()

	env.reputation.mu.Lock()
	defer env.reputation.mu.Unlock()
	assert.Equal(t, 1, env.reputation.calls)
}

func TestRefreshTiersPicksUpChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	table, err := env.scorer.Tiers(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(table.Lowest().Amount))

	require.NoError(t, env.db.Model(&model.ScoreTierModel{}).Where("name = ?", "low").
		Update("amount", decimal.NewFromInt(75)).Error)

	table, err = env.scorer.Tiers(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(table.Lowest().Amount), "cached table is still served")

	tiers, err := env.scorer.RefreshTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 4)
	assert.Equal(t, "low", tiers[3].Name)
	assert.True(t, decimal.NewFromInt(75).Equal(tiers[3].Amount))

	table, err = env.scorer.Tiers(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(75).Equal(table.Lowest().Amount))
}
