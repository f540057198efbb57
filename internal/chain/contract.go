package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

// Contract 合约工具类
type Contract struct {
	address common.Address // 合约地址
	abi     abi.ABI        // 合约ABI
	name    string         // 合约名称
	bound   *bind.BoundContract
}

// NewContract 创建合约实例
func NewContract(backend bind.ContractBackend, name, address, abiJSON string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid %s contract address: %q", name, address)
	}

	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI for %s: %w", name, err)
	}

	contractAddr := common.HexToAddress(address)
	return &Contract{
		address: contractAddr,
		abi:     parsedABI,
		name:    name,
		bound:   bind.NewBoundContract(contractAddr, parsedABI, backend, backend, backend),
	}, nil
}

// GetAddress 获取合约地址
func (c *Contract) GetAddress() common.Address {
	return c.address
}

// CallBigInt 调用只读方法并返回 uint256 结果
func (c *Contract) CallBigInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s.%s call failed: %w", c.name, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s returned no value", c.name, method)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Transact 发送交易
func (c *Contract) Transact(opts *bind.TransactOpts, method string, args ...interface{}) (*types.Transaction, error) {
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s transact failed: %w", c.name, method, err)
	}
	return tx, nil
}

// TransferEvent 解析后的 ERC-20 Transfer 事件
type TransferEvent struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfers 从回执日志中取出本合约的 Transfer 事件
func (c *Contract) ParseTransfers(receipt *types.Receipt) []TransferEvent {
	event, ok := c.abi.Events["Transfer"]
	if !ok || receipt == nil {
		return nil
	}

	var transfers []TransferEvent
	for _, log := range receipt.Logs {
		if log.Address != c.address || len(log.Topics) != 3 || log.Topics[0] != event.ID {
			continue
		}
		values, err := c.abi.Unpack("Transfer", log.Data)
		if err != nil || len(values) == 0 {
			logger.Warn("Failed to unpack Transfer log in tx %s: %v", log.TxHash.Hex(), err)
			continue
		}
		transfers = append(transfers, TransferEvent{
			From:  common.BytesToAddress(log.Topics[1].Bytes()),
			To:    common.BytesToAddress(log.Topics[2].Bytes()),
			Value: abi.ConvertType(values[0], new(big.Int)).(*big.Int),
		})
	}
	return transfers
}
