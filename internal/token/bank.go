package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"capsule/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientBalance   = errors.New("余额不足")
	ErrInsufficientAllowance = errors.New("授权额度不足")
	ErrInvalidAmount         = errors.New("金额无效")
	ErrZeroAddress           = errors.New("零地址")
	ErrBusy                  = errors.New("收款回调执行中")
)

// ReceiveHook 收款回调，在转账所在的事务内执行，返回错误即拒收
type ReceiveHook func(ctx context.Context, tx *store.Tx, token, from common.Address, amount *big.Int) error

// Bank 同质化代币账户，所有操作都在调用方的事务内完成
type Bank struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	hooks map[common.Address][]ReceiveHook

	inHook atomic.Int32 // 正在执行的收款回调数
}

// NewBank 创建代币账户
func NewBank(logger *logrus.Logger) *Bank {
	return &Bank{
		logger: logger,
		hooks:  make(map[common.Address][]ReceiveHook),
	}
}

// OnReceive 注册收款回调
func (b *Bank) OnReceive(holder common.Address, hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[holder] = append(b.hooks[holder], hook)
}

// Busy 收款回调执行期间为true，此时外层写事务尚未提交
func (b *Bank) Busy() bool {
	return b.inHook.Load() > 0
}

// BalanceOf 查询余额
func (b *Bank) BalanceOf(tx *store.Tx, token, holder common.Address) *big.Int {
	return tx.Balance(token, holder)
}

// Allowance 查询授权额度
func (b *Bank) Allowance(tx *store.Tx, token, owner, spender common.Address) *big.Int {
	return tx.Allowance(token, owner, spender)
}

// Mint 增发
func (b *Bank) Mint(tx *store.Tx, token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	balance := new(big.Int).Add(tx.Balance(token, to), amount)
	if err := tx.SetBalance(token, to, balance); err != nil {
		return fmt.Errorf("更新余额失败: %w", err)
	}
	supply := new(big.Int).Add(tx.TotalSupply(token), amount)
	if err := tx.SetTotalSupply(token, supply); err != nil {
		return fmt.Errorf("更新总量失败: %w", err)
	}
	b.logger.Debugf("增发 %s 代币 %s 给 %s", amount, token.Hex(), to.Hex())
	return nil
}

// Approve 设置授权额度，覆盖原值
func (b *Bank) Approve(tx *store.Tx, token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	return tx.SetAllowance(token, owner, spender, amount)
}

// Transfer 从from直接转账
func (b *Bank) Transfer(ctx context.Context, tx *store.Tx, token, from, to common.Address, amount *big.Int) error {
	return b.move(ctx, tx, token, from, to, amount)
}

// TransferFrom 由spender使用from的授权额度转账
func (b *Bank) TransferFrom(ctx context.Context, tx *store.Tx, token, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance := tx.Allowance(token, from, spender)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: 需要 %s, 当前 %s", ErrInsufficientAllowance, amount, allowance)
	}
	if err := tx.SetAllowance(token, from, spender, new(big.Int).Sub(allowance, amount)); err != nil {
		return fmt.Errorf("更新授权额度失败: %w", err)
	}
	return b.move(ctx, tx, token, from, to, amount)
}

func (b *Bank) move(ctx context.Context, tx *store.Tx, token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	fromBalance := tx.Balance(token, from)
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: 需要 %s, 当前 %s", ErrInsufficientBalance, amount, fromBalance)
	}
	if err := tx.SetBalance(token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return fmt.Errorf("更新余额失败: %w", err)
	}
	toBalance := new(big.Int).Add(tx.Balance(token, to), amount)
	if err := tx.SetBalance(token, to, toBalance); err != nil {
		return fmt.Errorf("更新余额失败: %w", err)
	}

	b.mu.RLock()
	hooks := append([]ReceiveHook(nil), b.hooks[to]...)
	b.mu.RUnlock()
	if err := b.runHooks(ctx, tx, hooks, token, from, amount); err != nil {
		return err
	}

	b.logger.Debugf("转账 %s 代币 %s: %s -> %s", amount, token.Hex(), from.Hex(), to.Hex())
	return nil
}

func (b *Bank) runHooks(ctx context.Context, tx *store.Tx, hooks []ReceiveHook, token, from common.Address, amount *big.Int) error {
	if len(hooks) == 0 {
		return nil
	}
	b.inHook.Add(1)
	defer b.inHook.Add(-1)
	for _, hook := range hooks {
		if err := hook(ctx, tx, token, from, amount); err != nil {
			return fmt.Errorf("收款方拒绝转账: %w", err)
		}
	}
	return nil
}
