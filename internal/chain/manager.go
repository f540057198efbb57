package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

const (
	TokenContractName   = "token"
	AirdropContractName = "airdrop"
)

// AirdropContent airdropERC20 的单个接收项
type AirdropContent struct {
	Recipient common.Address
	Amount    *big.Int
}

// Manager 单链管理器: 客户端 + 奖励代币 + 空投合约
type Manager struct {
	mu        sync.RWMutex
	contracts map[string]*Contract // 合约映射: "contractName" -> Contract
	client    *ethclient.Client    // 链客户端
	config    config.ChainConfig   // 存储链配置
	chainID   *big.Int
}

// NewManager 创建单链管理器
func NewManager(cfg config.ChainConfig) (*Manager, error) {
	manager := &Manager{
		contracts: make(map[string]*Contract),
		config:    cfg,
		chainID:   big.NewInt(cfg.ChainId),
	}

	if err := manager.initClient(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}

	if err := manager.initContracts(cfg); err != nil {
		manager.client.Close()
		return nil, fmt.Errorf("failed to initialize contracts: %w", err)
	}

	return manager, nil
}

// initClient 初始化客户端
func (m *Manager) initClient(cfg config.ChainConfig) error {
	logger.Info("Initializing chain client (type: %s, id: %d)", cfg.ChainType, cfg.ChainId)

	client, err := m.createChainClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.client = client
	logger.Info("Successfully initialized client")
	return nil
}

// initContracts 初始化代币和空投合约
func (m *Manager) initContracts(cfg config.ChainConfig) error {
	token, err := NewContract(m.client, TokenContractName, cfg.TokenAddress, ERC20ABI)
	if err != nil {
		return err
	}
	airdrop, err := NewContract(m.client, AirdropContractName, cfg.AirdropAddress, AirdropABI)
	if err != nil {
		return err
	}

	m.contracts[TokenContractName] = token
	m.contracts[AirdropContractName] = airdrop
	logger.Info("Successfully initialized %d contracts (token: %s, airdrop: %s)",
		len(m.contracts), token.GetAddress().Hex(), airdrop.GetAddress().Hex())
	return nil
}

var supportedChainTypes = []string{"base", "base-sepolia", "ethereum", "polygon", "arbitrum", "optimism"}

// createChainClient 创建链客户端
func (m *Manager) createChainClient(cfg config.ChainConfig) (*ethclient.Client, error) {
	rpcUrl := cfg.RpcUrl
	if rpcUrl == "" {
		return nil, fmt.Errorf("no RPC URL configured")
	}

	isSupported := false
	for _, supportedType := range supportedChainTypes {
		if cfg.ChainType == supportedType {
			isSupported = true
			break
		}
	}
	if !isSupported {
		return nil, fmt.Errorf("unsupported chain type %s, supported types: %s", cfg.ChainType, strings.Join(supportedChainTypes, ", "))
	}

	logger.Info("Creating %s client connection", cfg.ChainType)
	client, err := ethclient.Dial(rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.ChainType, err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("client connection test failed (%s): %w", cfg.ChainType, err)
	}

	return client, nil
}

func (m *Manager) token() *Contract {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contracts[TokenContractName]
}

func (m *Manager) airdrop() *Contract {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contracts[AirdropContractName]
}

// AirdropAddress 空投合约地址, 也是代币授权的 spender
func (m *Manager) AirdropAddress() common.Address {
	return m.airdrop().GetAddress()
}

// LatestBlock 最新区块号
func (m *Manager) LatestBlock(ctx context.Context) (uint64, error) {
	return m.client.BlockNumber(ctx)
}

// NativeBalance 最新区块的原生币余额
func (m *Manager) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return m.client.BalanceAt(ctx, account, nil)
}

// BalanceAt 指定历史区块的原生币余额
func (m *Manager) BalanceAt(ctx context.Context, account common.Address, block uint64) (*big.Int, error) {
	return m.client.BalanceAt(ctx, account, new(big.Int).SetUint64(block))
}

// TokenBalance 奖励代币余额
func (m *Manager) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return m.token().CallBigInt(ctx, "balanceOf", owner)
}

// Allowance 奖励代币授权额度
func (m *Manager) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return m.token().CallBigInt(ctx, "allowance", owner, spender)
}

// SuggestGasPrice 节点建议 gas 价格
func (m *Manager) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return m.client.SuggestGasPrice(ctx)
}

func (m *Manager) transactOpts(ctx context.Context, key *ecdsa.PrivateKey, gasPrice *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasPrice = gasPrice
	return opts, nil
}

// Approve 授权空投合约使用代币
func (m *Manager) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	opts, err := m.transactOpts(ctx, key, gasPrice)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := m.token().Transact(opts, "approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// Submission 已广播的交易. 相同 From + Nonce 的交易最多只有一笔能上链
type Submission struct {
	Hash     common.Hash
	From     common.Address
	Nonce    uint64
	GasPrice *big.Int
}

// Airdrop 通过空投合约向单个地址发放代币. nonce 为 nil 时使用节点给出的 pending nonce,
// 否则以指定 nonce 发出替换交易
func (m *Manager) Airdrop(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, amount, gasPrice *big.Int, nonce *uint64) (*Submission, error) {
	opts, err := m.transactOpts(ctx, key, gasPrice)
	if err != nil {
		return nil, err
	}
	if nonce != nil {
		opts.Nonce = new(big.Int).SetUint64(*nonce)
	}
	contents := []AirdropContent{{Recipient: recipient, Amount: amount}}
	tx, err := m.airdrop().Transact(opts, "airdropERC20", m.token().GetAddress(), contents)
	if err != nil {
		return nil, err
	}
	return &Submission{
		Hash:     tx.Hash(),
		From:     opts.From,
		Nonce:    tx.Nonce(),
		GasPrice: tx.GasPrice(),
	}, nil
}

// ConfirmedNonce 已上链交易数, 即下一笔可上链交易的 nonce
func (m *Manager) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	return m.client.NonceAt(ctx, account, nil)
}

// Receipt 查询回执, 未上链时返回 (nil, nil)
func (m *Manager) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := m.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitReceipt 轮询直到回执出现或 ctx 结束
func (m *Manager) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := m.Receipt(ctx, txHash)
		if err != nil {
			logger.Debug("Receipt lookup for %s failed: %v", txHash.Hex(), err)
		} else if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeliveredTo 回执中发往 recipient 的代币总量, 单位为整数枚代币
func (m *Manager) DeliveredTo(receipt *types.Receipt, recipient common.Address) decimal.Decimal {
	total := new(big.Int)
	for _, t := range m.token().ParseTransfers(receipt) {
		if t.To == recipient {
			total.Add(total, t.Value)
		}
	}
	return decimal.NewFromBigInt(total, -m.config.TokenDecimals)
}

// GetHealthStatus 获取健康状态
func (m *Manager) GetHealthStatus(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := map[string]interface{}{
		"chain_type":    m.config.ChainType,
		"chain_id":      m.config.ChainId,
		"client_status": "connected",
		"contracts":     make(map[string]interface{}),
	}

	if m.client != nil {
		if block, err := m.client.BlockNumber(ctx); err != nil {
			health["client_status"] = "disconnected"
		} else {
			health["block_number"] = block
		}
	} else {
		health["client_status"] = "not_initialized"
	}

	for contractName, contract := range m.contracts {
		health["contracts"].(map[string]interface{})[contractName] = contract.GetAddress().Hex()
	}

	return health
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
	}

	logger.Info("Chain manager closed")
	return nil
}
