package logic

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
)

func seedSuccess(t *testing.T, env *testEnv, address string, fid int64, program, tx string) {
	t.Helper()
	ctx := context.Background()
	claim := &model.ClaimModel{
		Fid:         fid,
		Address:     address,
		ClaimSource: model.ClaimSourceWeb,
		Program:     program,
		OptionType:  "click",
		Amount:      decimal.NewFromInt(100),
	}
	require.NoError(t, env.claimsRepo.Create(ctx, claim))
	require.NoError(t, env.claimsRepo.MarkSuccess(ctx, claim.Id, tx))
}

func TestGuardRejectsByAddress(t *testing.T) {
	env := newTestEnv(t)
	seedSuccess(t, env, testAddress, 0, "link_visit", "0xprior")

	err := env.guard.Check(context.Background(), testAddress, 0, "link_visit")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateClaimAddress, appErr.Code)
	assert.Equal(t, "0xprior", appErr.TxHash)
}

func TestGuardRejectsByFid(t *testing.T) {
	env := newTestEnv(t)
	seedSuccess(t, env, testAddress, 42, "link_visit", "0xprior")

	other := "0xbbbb000000000000000000000000000000002222"
	err := env.guard.Check(context.Background(), other, 42, "link_visit")
	assert.Equal(t, apperr.CodeDuplicateClaimFid, apperr.CodeOf(err))
}

func TestGuardIsScopedToProgram(t *testing.T) {
	env := newTestEnv(t)
	seedSuccess(t, env, testAddress, 42, "link_visit", "0xprior")

	assert.NoError(t, env.guard.Check(context.Background(), testAddress, 42, "welcome"))
	// 同一计划下的其他选项同样被拒绝
	assert.Error(t, env.guard.Check(context.Background(), testAddress, 42, "link_visit"))
}

func TestGuardRejectsInFlightTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	claim := &model.ClaimModel{
		Fid:         42,
		Address:     testAddress,
		ClaimSource: model.ClaimSourceWeb,
		Program:     "link_visit",
		Amount:      decimal.NewFromInt(100),
	}
	require.NoError(t, env.claimsRepo.Create(ctx, claim))
	assert.NoError(t, env.guard.Check(ctx, testAddress, 42, "link_visit"))

	require.NoError(t, env.claimsRepo.MarkSubmitted(ctx, claim.Id, "0xpending"))
	err := env.guard.Check(ctx, "0xbbbb000000000000000000000000000000002222", 42, "link_visit")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeClaimInProgress, appErr.Code)
	assert.Equal(t, "0xpending", appErr.TxHash)

	require.NoError(t, env.claimsRepo.MarkFailed(ctx, claim.Id))
	assert.NoError(t, env.guard.Check(ctx, testAddress, 42, "link_visit"))
}

func TestIdentityLock(t *testing.T) {
	locks := NewIdentityLock(wallet.NewMemoryLocker(), time.Minute)
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "link_visit", testAddress, 42)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "link_visit", testAddress, 0)
	assert.Equal(t, apperr.CodeClaimInProgress, apperr.CodeOf(err))

	// 同一个 fid 换地址也会冲突
	_, err = locks.Acquire(ctx, "link_visit", "0xbbbb000000000000000000000000000000002222", 42)
	assert.Equal(t, apperr.CodeClaimInProgress, apperr.CodeOf(err))

	other, err := locks.Acquire(ctx, "welcome", testAddress, 42)
	require.NoError(t, err)
	other()

	unlock()
	again, err := locks.Acquire(ctx, "link_visit", testAddress, 42)
	require.NoError(t, err)
	again()
}
