package orchestrator

import (
	"context"
	"math/big"

	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Gateway 账本访问面，本地账本和链上合约各有一个实现
type Gateway interface {
	Now(ctx context.Context) (int64, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner common.Address, amount *big.Int) (models.TxReceipt, error)
	CreateEscrow(ctx context.Context, caller common.Address, amount *big.Int, message, fileHash string, unlockTime int64) (models.TxReceipt, error)
	TransferOwnership(ctx context.Context, caller common.Address, id uint64, newOwner common.Address) (models.TxReceipt, error)
	OpenEscrow(ctx context.Context, caller common.Address, id uint64) (models.TxReceipt, error)
	GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error)
	TotalCount(ctx context.Context) (uint64, error)
}

// Wallet 已连接的钱包
type Wallet interface {
	Account() common.Address
	ChainID() uint64
}

// StaticWallet 固定账户和链的钱包，命令行使用
type StaticWallet struct {
	Address common.Address
	Chain   uint64
}

func (w StaticWallet) Account() common.Address { return w.Address }
func (w StaticWallet) ChainID() uint64         { return w.Chain }
