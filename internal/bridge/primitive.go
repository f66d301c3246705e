package bridge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Provider 钱包提供者
type Provider interface {
	Account() common.Address
	ChainID() uint64
}

// IntentHook 提交前审批跨链计划
type IntentHook func(ctx context.Context, intent *Intent) error

// AllowanceHook 提交前选择授权方案
type AllowanceHook func(ctx context.Context, req *AllowanceRequest) ([]string, error)

// ExecuteRequest 目标链合约调用
type ExecuteRequest struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"contractAddress"`
	Function string         `json:"functionName"`
	Data     hexutil.Bytes  `json:"data"`
	ChainID  uint64         `json:"toChainId"`
	Value    *hexutil.Big   `json:"value"`
}

// BridgeRequest 跨链后执行
type BridgeRequest struct {
	Token         string         `json:"token"`
	Amount        *hexutil.Big   `json:"amount"`
	SourceChainID uint64         `json:"sourceChainId"`
	Execute       ExecuteRequest `json:"execute"`
}

// Primitive 底层跨链执行器
type Primitive interface {
	Connect(ctx context.Context, provider Provider) (Client, error)
}

// Client 已连接的执行器会话
type Client interface {
	SetIntentHook(hook IntentHook)
	SetAllowanceHook(hook AllowanceHook)
	Allowance(ctx context.Context, asset Asset, chainID uint64, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, asset Asset, chainID uint64, spender common.Address, amount *big.Int) error
	Execute(ctx context.Context, req *ExecuteRequest) (RawResult, error)
	BridgeAndExecute(ctx context.Context, req *BridgeRequest) (RawResult, error)
	Close() error
}
