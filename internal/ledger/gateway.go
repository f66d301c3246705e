package ledger

import (
	"context"
	"math/big"

	"capsule/internal/token"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// LocalGateway 把进程内账本包装成与链上合约一致的调用面
type LocalGateway struct {
	ledger   *Ledger
	accounts *token.Accounts
}

// NewLocalGateway 创建本地网关
func NewLocalGateway(l *Ledger, accounts *token.Accounts) *LocalGateway {
	return &LocalGateway{ledger: l, accounts: accounts}
}

// Ledger 底层账本
func (g *LocalGateway) Ledger() *Ledger { return g.ledger }

// Address 账本地址
func (g *LocalGateway) Address() common.Address { return g.ledger.Address() }

// Now 账本时钟
func (g *LocalGateway) Now(ctx context.Context) (int64, error) {
	return g.ledger.Now(), nil
}

// Allowance 所有者给账本的授权额度
func (g *LocalGateway) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return g.accounts.Allowance(ctx, g.ledger.EscrowToken(), owner, g.ledger.Address())
}

// BalanceOf 托管代币余额
func (g *LocalGateway) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return g.accounts.BalanceOf(ctx, g.ledger.EscrowToken(), holder)
}

// Approve 授权账本划转托管代币
func (g *LocalGateway) Approve(ctx context.Context, owner common.Address, amount *big.Int) (models.TxReceipt, error) {
	return models.TxReceipt{}, g.accounts.Approve(ctx, g.ledger.EscrowToken(), owner, g.ledger.Address(), amount)
}

// Mint 增发托管代币
func (g *LocalGateway) Mint(ctx context.Context, to common.Address, amount *big.Int) (models.TxReceipt, error) {
	return models.TxReceipt{}, g.accounts.Mint(ctx, g.ledger.EscrowToken(), to, amount)
}

func (g *LocalGateway) CreateEscrow(ctx context.Context, caller common.Address, amount *big.Int, message, fileHash string, unlockTime int64) (models.TxReceipt, error) {
	id, err := g.ledger.CreateEscrow(ctx, caller, amount, message, fileHash, unlockTime)
	if err != nil {
		return models.TxReceipt{}, err
	}
	return models.TxReceipt{EscrowID: id}, nil
}

func (g *LocalGateway) TransferOwnership(ctx context.Context, caller common.Address, id uint64, newOwner common.Address) (models.TxReceipt, error) {
	if err := g.ledger.TransferOwnership(ctx, caller, id, newOwner); err != nil {
		return models.TxReceipt{}, err
	}
	return models.TxReceipt{EscrowID: id}, nil
}

func (g *LocalGateway) OpenEscrow(ctx context.Context, caller common.Address, id uint64) (models.TxReceipt, error) {
	if _, err := g.ledger.OpenEscrow(ctx, caller, id); err != nil {
		return models.TxReceipt{}, err
	}
	return models.TxReceipt{EscrowID: id}, nil
}

func (g *LocalGateway) RescueOtherToken(ctx context.Context, caller, tok common.Address, amount *big.Int) (models.TxReceipt, error) {
	return models.TxReceipt{}, g.ledger.RescueOtherToken(ctx, caller, tok, amount)
}

func (g *LocalGateway) GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error) {
	return g.ledger.GetEscrow(ctx, id)
}

func (g *LocalGateway) TotalCount(ctx context.Context) (uint64, error) {
	return g.ledger.TotalCount(ctx)
}

// OwnerEscrows 走所有者索引，扫描器据此跳过全量读取
func (g *LocalGateway) OwnerEscrows(ctx context.Context, owner common.Address) ([]*models.EscrowEntry, error) {
	return g.ledger.ListByOwner(ctx, owner)
}
