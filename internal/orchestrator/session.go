package orchestrator

import (
	"context"
	"math/big"
	"sync"

	"capsule/internal/bridge"
	"capsule/internal/contracts"
	"capsule/internal/errors"
	"capsule/internal/scanner"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Bridge 跨链执行会话
type Bridge interface {
	Initialize(ctx context.Context, provider bridge.Provider) (bridge.Client, error)
	Reset()
	ExecuteRemote(ctx context.Context, p bridge.ExecuteParams) (bridge.Result, error)
	ExecuteBridged(ctx context.Context, p bridge.BridgedParams) (bridge.Result, error)
}

// Config 编排层参数
type Config struct {
	ExpectedChainID uint64         // 本链操作要求钱包所在的链
	TokenDecimals   int            // 托管代币精度
	EscrowContract  common.Address // 目标链上的胶囊合约
	Workers         int            // 扫描并发数
}

// Session 客户端会话，持有连接的钱包状态
type Session struct {
	cfg     Config
	gateway Gateway
	bridge  Bridge
	scanner *scanner.Scanner
	abi     abi.ABI
	logger  *logrus.Logger

	mu        sync.RWMutex
	connected bool
	account   common.Address
	chainID   uint64
}

// NewSession 创建会话，bridge为空时跨链操作不可用
func NewSession(cfg Config, gateway Gateway, br Bridge, logger *logrus.Logger) *Session {
	return &Session{
		cfg:     cfg,
		gateway: gateway,
		bridge:  br,
		scanner: scanner.New(gateway, cfg.Workers, logger),
		abi:     contracts.MustCapsuleABI(),
		logger:  logger,
	}
}

// Connect 连接钱包，网络正确时同时初始化跨链会话
func (s *Session) Connect(ctx context.Context, wallet Wallet) error {
	if wallet.Account() == (common.Address{}) {
		return errors.ErrNotConnected.Withf("钱包没有可用账户")
	}

	s.mu.Lock()
	s.connected = true
	s.account = wallet.Account()
	s.chainID = wallet.ChainID()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"account":  wallet.Account().Hex(),
		"chain_id": wallet.ChainID(),
	}).Info("钱包已连接")

	if s.bridge == nil || wallet.ChainID() != s.cfg.ExpectedChainID {
		return nil
	}
	if _, err := s.bridge.Initialize(ctx, wallet); err != nil {
		s.logger.Warnf("跨链会话初始化失败，稍后重试: %v", err)
	}
	return nil
}

// Disconnect 断开钱包
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.account = common.Address{}
	s.chainID = 0
	s.mu.Unlock()

	s.resetBridge()
	s.logger.Info("钱包已断开")
}

// AccountsChanged 钱包切换账户，列表为空视为断开
func (s *Session) AccountsChanged(accounts []common.Address) {
	if len(accounts) == 0 {
		s.Disconnect()
		return
	}

	s.mu.Lock()
	s.connected = true
	s.account = accounts[0]
	s.mu.Unlock()

	s.resetBridge()
	s.logger.WithField("account", accounts[0].Hex()).Info("钱包账户已切换")
}

// ChainChanged 钱包切换网络
func (s *Session) ChainChanged(chainID uint64) {
	s.mu.Lock()
	s.chainID = chainID
	s.mu.Unlock()

	s.resetBridge()
	s.logger.WithField("chain_id", chainID).Info("钱包网络已切换")
}

func (s *Session) resetBridge() {
	if s.bridge != nil {
		s.bridge.Reset()
	}
}

// Account 当前账户
func (s *Session) Account() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, s.connected
}

// ChainID 当前网络
func (s *Session) ChainID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID
}

func (s *Session) wallet() StaticWallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StaticWallet{Address: s.account, Chain: s.chainID}
}

// requireConnected 只要求已连接
func (s *Session) requireConnected() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return common.Address{}, errors.ErrNotConnected
	}
	return s.account, nil
}

// requireReady 已连接并且在预期网络上
func (s *Session) requireReady() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return common.Address{}, errors.ErrNotConnected
	}
	if s.cfg.ExpectedChainID != 0 && s.chainID != s.cfg.ExpectedChainID {
		return common.Address{}, errors.ErrNetworkMismatch.
			Withf("当前网络 %d 与预期 %d 不一致", s.chainID, s.cfg.ExpectedChainID).
			WithContext("expected", s.cfg.ExpectedChainID).
			WithContext("actual", s.chainID)
	}
	return s.account, nil
}

// CreateEscrow 本链创建胶囊，授权不足时先授权
func (s *Session) CreateEscrow(ctx context.Context, humanAmount, message, fileHash string, unlockTime int64) (models.TxReceipt, error) {
	account, err := s.requireReady()
	if err != nil {
		return models.TxReceipt{}, err
	}
	amount, err := ParseUnits(humanAmount, s.cfg.TokenDecimals)
	if err != nil {
		return models.TxReceipt{}, err
	}
	if amount.Sign() <= 0 {
		return models.TxReceipt{}, errors.ErrInvalidAmount
	}

	log := s.logger.WithFields(logrus.Fields{
		"component": "orchestrator",
		"account":   account.Hex(),
		"amount":    amount.String(),
	})

	allowance, err := s.gateway.Allowance(ctx, account)
	if err != nil {
		return models.TxReceipt{}, err
	}
	if allowance.Cmp(amount) < 0 {
		log.WithField("allowance", allowance.String()).Info("授权额度不足，先授权")
		if _, err := s.gateway.Approve(ctx, account, amount); err != nil {
			return models.TxReceipt{}, err
		}
	}

	receipt, err := s.gateway.CreateEscrow(ctx, account, amount, message, fileHash, unlockTime)
	if err != nil {
		return models.TxReceipt{}, err
	}
	log.WithField("capsule_id", receipt.EscrowID).Info("胶囊已创建")
	return receipt, nil
}

// CreateEscrowCrossChain 通过跨链桥转入资产后在目标链创建胶囊
func (s *Session) CreateEscrowCrossChain(ctx context.Context, humanAmount, symbol, message, fileHash string, unlockTime int64, destChain uint64) (bridge.Result, error) {
	if _, err := s.requireReady(); err != nil {
		return nil, err
	}
	asset, err := bridge.ParseAsset(symbol)
	if err != nil {
		return nil, err
	}
	amount, err := ParseUnits(humanAmount, asset.Decimals())
	if err != nil {
		return nil, err
	}
	br, err := s.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}

	return br.ExecuteBridged(ctx, bridge.BridgedParams{
		ExecuteParams: bridge.ExecuteParams{
			Contract: s.cfg.EscrowContract,
			ABI:      s.abi,
			Function: contracts.MethodCreateCapsule,
			Args:     []interface{}{amount, message, fileHash, big.NewInt(unlockTime)},
			ChainID:  destChain,
		},
		Symbol: asset.Symbol(),
		Amount: amount,
	})
}

// WithdrawCrossChain 在目标链上提取胶囊
func (s *Session) WithdrawCrossChain(ctx context.Context, id uint64, destChain uint64) (bridge.Result, error) {
	if _, err := s.requireReady(); err != nil {
		return nil, err
	}
	br, err := s.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}
	return br.ExecuteRemote(ctx, bridge.ExecuteParams{
		Contract: s.cfg.EscrowContract,
		ABI:      s.abi,
		Function: contracts.MethodOpenCapsule,
		Args:     []interface{}{new(big.Int).SetUint64(id)},
		ChainID:  destChain,
	})
}

// ensureBridge 跨链会话按需初始化，重复调用会合并
func (s *Session) ensureBridge(ctx context.Context) (Bridge, error) {
	if s.bridge == nil {
		return nil, errors.ErrSdkNotInitialized.Withf("未配置跨链中继")
	}
	if _, err := s.bridge.Initialize(ctx, s.wallet()); err != nil {
		return nil, err
	}
	return s.bridge, nil
}

// OpenEscrow 本链提取胶囊
func (s *Session) OpenEscrow(ctx context.Context, id uint64) (models.TxReceipt, error) {
	account, err := s.requireReady()
	if err != nil {
		return models.TxReceipt{}, err
	}
	return s.gateway.OpenEscrow(ctx, account, id)
}

// TransferOwnership 转移胶囊
func (s *Session) TransferOwnership(ctx context.Context, id uint64, newOwner common.Address) (models.TxReceipt, error) {
	account, err := s.requireReady()
	if err != nil {
		return models.TxReceipt{}, err
	}
	return s.gateway.TransferOwnership(ctx, account, id, newOwner)
}

// GetEscrow 读取胶囊
func (s *Session) GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error) {
	return s.gateway.GetEscrow(ctx, id)
}

// MyEscrows 当前账户名下的胶囊，按编号升序
func (s *Session) MyEscrows(ctx context.Context) ([]*models.EscrowEntry, error) {
	account, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	return s.scanner.ScanOwner(ctx, account)
}

// Summary 当前账户的胶囊统计
func (s *Session) Summary(ctx context.Context) (*models.OwnerSummary, error) {
	account, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	entries, err := s.scanner.ScanOwner(ctx, account)
	if err != nil {
		return nil, err
	}
	now, err := s.gateway.Now(ctx)
	if err != nil {
		return nil, err
	}
	return models.Summarize(account, entries, now), nil
}

// FormatAmount 按托管代币精度显示金额
func (s *Session) FormatAmount(amount *big.Int) string {
	return FormatUnits(amount, s.cfg.TokenDecimals)
}
