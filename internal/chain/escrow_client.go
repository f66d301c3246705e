package chain

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"capsule/internal/contracts"
	"capsule/internal/errors"
	"capsule/internal/logging"
	"capsule/internal/retry"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Config 链上网关配置
type Config struct {
	EscrowContract string
	TokenContract  string
	PrivateKey     string
	ChainID        uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// EscrowClient 通过已部署的胶囊合约访问账本
type EscrowClient struct {
	client    *ethclient.Client
	escrow    *bind.BoundContract
	token     *bind.BoundContract
	escrowABI abi.ABI
	escrowAt  common.Address
	tokenAt   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
	account   common.Address

	receiptTimeout time.Duration
	pollInterval   time.Duration
	retrier        *retry.Retrier
	logger         *logrus.Logger
}

// NewEscrowClient 创建链上网关，未配置私钥时只读
func NewEscrowClient(ctx context.Context, cli *ethclient.Client, cfg Config, logger *logrus.Logger) (*EscrowClient, error) {
	if !common.IsHexAddress(cfg.EscrowContract) {
		return nil, fmt.Errorf("胶囊合约地址无效: %q", cfg.EscrowContract)
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("代币合约地址无效: %q", cfg.TokenContract)
	}

	escrowABI, err := contracts.CapsuleABI()
	if err != nil {
		return nil, err
	}
	tokenABI, err := contracts.ERC20ABI()
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链ID失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, errors.ErrNetworkMismatch.Withf("节点链ID %d 与配置 %d 不一致", chainID.Uint64(), cfg.ChainID)
	}

	c := &EscrowClient{
		client:         cli,
		escrowABI:      escrowABI,
		escrowAt:       common.HexToAddress(cfg.EscrowContract),
		tokenAt:        common.HexToAddress(cfg.TokenContract),
		chainID:        chainID,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		retrier:        retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:         logger,
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	c.escrow = bind.NewBoundContract(c.escrowAt, escrowABI, cli, cli, cli)
	c.token = bind.NewBoundContract(c.tokenAt, tokenABI, cli, cli, cli)

	if cfg.PrivateKey != "" {
		pk, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		c.transacts, err = bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			return nil, fmt.Errorf("创建交易签名器失败: %w", err)
		}
		c.account = c.transacts.From
	}
	return c, nil
}

// ParsePrivateKey 解析十六进制私钥，允许0x前缀
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}

// Account 签名账户，只读时为零地址
func (c *EscrowClient) Account() common.Address { return c.account }

// ChainID 节点所在链
func (c *EscrowClient) ChainID() uint64 { return c.chainID.Uint64() }

// Address 胶囊合约地址
func (c *EscrowClient) Address() common.Address { return c.escrowAt }

// Now 最新区块时间
func (c *EscrowClient) Now(ctx context.Context) (int64, error) {
	header, err := retry.Do(ctx, c.retrier, "latest_header", func() (*types.Header, error) {
		return c.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return 0, errors.ErrChainCallFailed.Wrap(err)
	}
	return int64(header.Time), nil
}

func (c *EscrowClient) call(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	out, err := retry.Do(ctx, c.retrier, method, func() ([]interface{}, error) {
		var out []interface{}
		err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
		return out, err
	})
	if err != nil {
		return nil, mapRevert(err)
	}
	return out, nil
}

// Allowance 所有者给胶囊合约的授权额度
func (c *EscrowClient) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.token, "allowance", owner, c.escrowAt)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// BalanceOf 托管代币余额
func (c *EscrowClient) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// TotalCount 已创建的胶囊数量
func (c *EscrowClient) TotalCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.escrow, contracts.MethodCapsuleCount)
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

// GetEscrow 读取胶囊，编号越界返回NotFound
func (c *EscrowClient) GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error) {
	if id == 0 {
		return nil, errors.ErrNotFound.WithEscrowID(id)
	}
	count, err := c.TotalCount(ctx)
	if err != nil {
		return nil, err
	}
	if id > count {
		return nil, errors.ErrNotFound.WithEscrowID(id)
	}

	out, err := c.call(ctx, c.escrow, contracts.MethodGetCapsule, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return decodeCapsule(id, out)
}

func decodeCapsule(id uint64, out []interface{}) (*models.EscrowEntry, error) {
	if len(out) != 6 {
		return nil, errors.ErrSerializationFailed.Withf("getCapsule返回 %d 个字段", len(out))
	}
	entry := &models.EscrowEntry{
		ID:       id,
		Owner:    *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Amount:   *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Message:  *abi.ConvertType(out[2], new(string)).(*string),
		FileHash: *abi.ConvertType(out[3], new(string)).(*string),
		Opened:   *abi.ConvertType(out[5], new(bool)).(*bool),
	}
	entry.UnlockTime = (*abi.ConvertType(out[4], new(*big.Int)).(**big.Int)).Int64()
	return entry, nil
}

func (c *EscrowClient) signer(caller common.Address) error {
	if c.transacts == nil {
		return errors.ErrNotConnected.Withf("链上网关未配置私钥")
	}
	if caller != c.account {
		return errors.ErrUnauthorized.Withf("调用者 %s 不是签名账户 %s", caller.Hex(), c.account.Hex())
	}
	return nil
}

// transact 发送交易并等待上链
func (c *EscrowClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Receipt, error) {
	opts := *c.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, mapRevert(err)
	}

	log := logging.NewBridgeLogger(c.logger, method, c.ChainID()).WithField("tx_hash", tx.Hash().Hex())
	log.Info("交易已发送")

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := c.waitForReceipt(waitCtx, tx.Hash())
	if err != nil {
		return nil, errors.ErrChainCallFailed.Wrap(err).WithTxHash(tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("交易执行失败")
		return nil, errors.ErrChainCallFailed.Withf("交易 %s 执行失败", tx.Hash().Hex()).WithTxHash(tx.Hash().Hex())
	}
	log.WithField("block", receipt.BlockNumber).Info("交易已确认")
	return receipt, nil
}

// waitForReceipt 轮询直到交易上链或超时
func (c *EscrowClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !stderrors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt) models.TxReceipt {
	out := models.TxReceipt{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	return out
}

// Approve 授权胶囊合约划转托管代币
func (c *EscrowClient) Approve(ctx context.Context, owner common.Address, amount *big.Int) (models.TxReceipt, error) {
	if err := c.signer(owner); err != nil {
		return models.TxReceipt{}, err
	}
	r, err := c.transact(ctx, c.token, "approve", c.escrowAt, amount)
	if err != nil {
		return models.TxReceipt{}, err
	}
	return toReceipt(r), nil
}

// Mint 测试网代币增发
func (c *EscrowClient) Mint(ctx context.Context, to common.Address, amount *big.Int) (models.TxReceipt, error) {
	if c.transacts == nil {
		return models.TxReceipt{}, errors.ErrNotConnected.Withf("链上网关未配置私钥")
	}
	r, err := c.transact(ctx, c.token, "mint", to, amount)
	if err != nil {
		return models.TxReceipt{}, err
	}
	return toReceipt(r), nil
}

// CreateEscrow 创建胶囊，从回执事件中取编号
func (c *EscrowClient) CreateEscrow(ctx context.Context, caller common.Address, amount *big.Int, message, fileHash string, unlockTime int64) (models.TxReceipt, error) {
	if err := c.signer(caller); err != nil {
		return models.TxReceipt{}, err
	}
	r, err := c.transact(ctx, c.escrow, contracts.MethodCreateCapsule, amount, message, fileHash, big.NewInt(unlockTime))
	if err != nil {
		return models.TxReceipt{}, err
	}
	out := toReceipt(r)
	if id, ok := c.createdID(r.Logs); ok {
		out.EscrowID = id
		return out, nil
	}

	// 合约未发出事件时退回读取计数，并发创建时可能不准
	count, err := c.TotalCount(ctx)
	if err != nil {
		c.logger.Warnf("读取胶囊数量失败: %v", err)
		return out, nil
	}
	out.EscrowID = count
	return out, nil
}

// createdID 从日志中解析CapsuleCreated
func (c *EscrowClient) createdID(logs []*types.Log) (uint64, bool) {
	event, ok := c.escrowABI.Events[contracts.EventCapsuleCreated]
	if !ok {
		return 0, false
	}
	for _, l := range logs {
		if l == nil || l.Address != c.escrowAt || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), true
	}
	return 0, false
}

// TransferOwnership 转移胶囊所有权
func (c *EscrowClient) TransferOwnership(ctx context.Context, caller common.Address, id uint64, newOwner common.Address) (models.TxReceipt, error) {
	if err := c.signer(caller); err != nil {
		return models.TxReceipt{}, err
	}
	if newOwner == (common.Address{}) {
		return models.TxReceipt{}, errors.ErrInvalidRecipient.WithEscrowID(id)
	}
	r, err := c.transact(ctx, c.escrow, contracts.MethodTransferOwnership, new(big.Int).SetUint64(id), newOwner)
	if err != nil {
		return models.TxReceipt{}, err
	}
	out := toReceipt(r)
	out.EscrowID = id
	return out, nil
}

// OpenEscrow 提取胶囊
func (c *EscrowClient) OpenEscrow(ctx context.Context, caller common.Address, id uint64) (models.TxReceipt, error) {
	if err := c.signer(caller); err != nil {
		return models.TxReceipt{}, err
	}
	r, err := c.transact(ctx, c.escrow, contracts.MethodOpenCapsule, new(big.Int).SetUint64(id))
	if err != nil {
		return models.TxReceipt{}, err
	}
	out := toReceipt(r)
	out.EscrowID = id
	return out, nil
}

// RescueOtherToken 管理员取回误转入的其他代币
func (c *EscrowClient) RescueOtherToken(ctx context.Context, caller, token common.Address, amount *big.Int) (models.TxReceipt, error) {
	if token == c.tokenAt {
		return models.TxReceipt{}, errors.ErrForbiddenToken
	}
	if err := c.signer(caller); err != nil {
		return models.TxReceipt{}, err
	}
	r, err := c.transact(ctx, c.escrow, contracts.MethodEmergencyWithdraw, token, amount)
	if err != nil {
		return models.TxReceipt{}, err
	}
	return toReceipt(r), nil
}
