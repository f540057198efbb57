package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

// ErrNoWalletAvailable 所有钱包都被占用
var ErrNoWalletAvailable = errors.New("no funding wallet available")

// FundingWallet 资金钱包
type FundingWallet struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// LockKey 钱包锁的 key
func (w *FundingWallet) LockKey() string {
	return "wallet-lock:" + strings.ToLower(w.Address.Hex())
}

// Lease 一次转账期间对钱包的独占
type Lease struct {
	Wallet *FundingWallet
	locker Locker
	token  string
}

// Release 释放钱包锁, 可重复调用
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.token == "" {
		return
	}
	if err := l.locker.Unlock(ctx, l.Wallet.LockKey(), l.token); err != nil {
		logger.Warn("Failed to release wallet lock %s: %v", l.Wallet.LockKey(), err)
	}
	l.token = ""
}

// Pool 资金钱包池
type Pool struct {
	wallets []*FundingWallet
	locker  Locker
	ttl     time.Duration
	wait    time.Duration
	direct  bool
}

// NewPool 从私钥列表创建钱包池. direct 模式只使用 direct_address 对应的钱包
func NewPool(cfg config.WalletConfig, locker Locker) (*Pool, error) {
	wallets := make([]*FundingWallet, 0, len(cfg.PrivateKeys))
	for i, hexKey := range cfg.PrivateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid funding wallet key #%d: %w", i, err)
		}
		wallets = append(wallets, &FundingWallet{
			Address:    crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey: key,
		})
	}

	if cfg.IsDirect() {
		var selected []*FundingWallet
		for _, w := range wallets {
			if cfg.DirectAddress == "" || strings.EqualFold(w.Address.Hex(), cfg.DirectAddress) {
				selected = append(selected, w)
				break
			}
		}
		wallets = selected
	}

	if len(wallets) == 0 {
		return nil, errors.New("no funding wallets configured")
	}

	logger.Info("Funding wallet pool ready: %d wallet(s), mode %s", len(wallets), cfg.Mode)
	return &Pool{
		wallets: wallets,
		locker:  locker,
		ttl:     cfg.LockTTL,
		wait:    cfg.LockWait,
		direct:  cfg.IsDirect(),
	}, nil
}

// Acquire 获取一个空闲钱包. 池模式只尝试一轮, direct 模式最多等待 lock_wait
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.direct {
		w := p.wallets[0]
		token, ok, err := LockWithWait(ctx, p.locker, w.LockKey(), p.ttl, p.wait)
		if err != nil {
			return nil, fmt.Errorf("failed to lock wallet: %w", err)
		}
		if !ok {
			return nil, ErrNoWalletAvailable
		}
		return &Lease{Wallet: w, locker: p.locker, token: token}, nil
	}

	// 随机起点, 分散多个实例的竞争
	start := rand.Intn(len(p.wallets))
	for i := range p.wallets {
		w := p.wallets[(start+i)%len(p.wallets)]
		token, ok, err := p.locker.TryLock(ctx, w.LockKey(), p.ttl)
		if err != nil {
			logger.Warn("Wallet lock error for %s: %v", w.Address.Hex(), err)
			continue
		}
		if ok {
			return &Lease{Wallet: w, locker: p.locker, token: token}, nil
		}
	}
	return nil, ErrNoWalletAvailable
}

// AcquireWallet 锁定指定地址的钱包, 最多等待 lock_wait. 替换交易必须由原发送方签名
func (p *Pool) AcquireWallet(ctx context.Context, address common.Address) (*Lease, error) {
	var w *FundingWallet
	for _, candidate := range p.wallets {
		if candidate.Address == address {
			w = candidate
			break
		}
	}
	if w == nil {
		return nil, fmt.Errorf("wallet %s is not in the pool", address.Hex())
	}

	token, ok, err := LockWithWait(ctx, p.locker, w.LockKey(), p.ttl, p.wait)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	if !ok {
		return nil, ErrNoWalletAvailable
	}
	return &Lease{Wallet: w, locker: p.locker, token: token}, nil
}

// Size 钱包数量
func (p *Pool) Size() int {
	return len(p.wallets)
}
