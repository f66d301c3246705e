package token

import (
	"context"
	"math/big"

	"capsule/internal/store"

	"github.com/ethereum/go-ethereum/common"
)

// Accounts 自带事务的代币操作，供命令行和本地网关使用
type Accounts struct {
	store *store.Store
	bank  *Bank
}

// NewAccounts 创建代币操作入口
func NewAccounts(s *store.Store, bank *Bank) *Accounts {
	return &Accounts{store: s, bank: bank}
}

// update 写事务，收款回调中调用直接失败
func (a *Accounts) update(fn func(tx *store.Tx) error) error {
	if a.bank.Busy() {
		return ErrBusy
	}
	return a.store.Update(fn)
}

// Mint 增发，仅用于开发和测试网络
func (a *Accounts) Mint(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return a.update(func(tx *store.Tx) error {
		return a.bank.Mint(tx, token, to, amount)
	})
}

// Approve 设置授权额度
func (a *Accounts) Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	return a.update(func(tx *store.Tx) error {
		return a.bank.Approve(tx, token, owner, spender, amount)
	})
}

// Transfer 转账
func (a *Accounts) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return a.update(func(tx *store.Tx) error {
		return a.bank.Transfer(ctx, tx, token, from, to, amount)
	})
}

// BalanceOf 查询余额
func (a *Accounts) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	var balance *big.Int
	err := a.store.View(func(tx *store.Tx) error {
		balance = a.bank.BalanceOf(tx, token, holder)
		return nil
	})
	return balance, err
}

// Allowance 查询授权额度
func (a *Accounts) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	err := a.store.View(func(tx *store.Tx) error {
		allowance = a.bank.Allowance(tx, token, owner, spender)
		return nil
	})
	return allowance, err
}
