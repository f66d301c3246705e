package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"capsule/internal/bridge"
	"capsule/internal/chain"
	"capsule/internal/config"
	"capsule/internal/connection"
	"capsule/internal/errors"
	"capsule/internal/events"
	"capsule/internal/ledger"
	"capsule/internal/metrics"
	"capsule/internal/orchestrator"
	"capsule/internal/shutdown"
	"capsule/internal/store"
	"capsule/internal/token"
	"capsule/internal/validation"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Backend 托管账本的完整调用面
type Backend interface {
	orchestrator.Gateway
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Mint(ctx context.Context, to common.Address, amount *big.Int) (models.TxReceipt, error)
	RescueOtherToken(ctx context.Context, caller, token common.Address, amount *big.Int) (models.TxReceipt, error)
}

var (
	_ Backend = (*ledger.LocalGateway)(nil)
	_ Backend = (*chain.EscrowClient)(nil)
)

// Options 组装参数
type Options struct {
	Prompt          bridge.PromptUser // prompt策略的回调
	ShutdownTimeout time.Duration
	Local           bool // 即使配置了合约也使用本地账本
}

// App 组装好的运行时组件
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Errors    *errors.ErrorHandler
	Store     *store.Store
	Ledger    *ledger.Ledger
	Local     *ledger.LocalGateway
	Chain     *chain.EscrowClient // 未配置合约时为nil
	Pool      *connection.Pool
	Bridge    *bridge.Session // 未配置中继时为nil
	Validator *validation.Validator
	Shutdown  *shutdown.GracefulShutdown
}

// New 按配置组装组件，出错时已打开的资源会被关闭
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (a *App, err error) {
	a = &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(),
		Errors:   errors.NewErrorHandler(logger),
		Shutdown: shutdown.NewGracefulShutdown(opts.ShutdownTimeout, logger),
	}
	defer func() {
		if err != nil {
			a.Shutdown.Shutdown()
			a = nil
		}
	}()

	if err := a.openLedger(cfg); err != nil {
		return a, err
	}
	if !opts.Local {
		if err := a.connectChain(ctx, cfg.Chain); err != nil {
			return a, err
		}
	}
	if err := a.setupBridge(cfg.Bridge, opts.Prompt); err != nil {
		return a, err
	}

	a.Validator = validation.NewValidator(logger, cfg.Ledger.MaxMessageLength, false)
	return a, nil
}

func (a *App) openLedger(cfg *config.Config) error {
	s, err := store.Open(cfg.Ledger.DBPath, a.Logger)
	if err != nil {
		return fmt.Errorf("打开账本存储失败: %w", err)
	}
	a.Store = s
	a.Shutdown.RegisterCloser("store", shutdown.OrderCloseStore, s)

	output, err := events.NewOutput(cfg.Output, a.Logger)
	if err != nil {
		return fmt.Errorf("创建事件输出失败: %w", err)
	}
	publisher := events.NewPublisher(output, a.Metrics, a.Logger)
	a.Shutdown.RegisterCloser("events", shutdown.OrderFlushEvents, publisher)

	bank := token.NewBank(a.Logger)
	a.Ledger = ledger.New(ledger.Config{
		Address:          common.HexToAddress(cfg.Ledger.Address),
		EscrowToken:      common.HexToAddress(cfg.Ledger.EscrowToken),
		Admin:            adminAddress(cfg.Ledger.Admin),
		MaxMessageLength: cfg.Ledger.MaxMessageLength,
	}, s, bank, a.Logger,
		ledger.WithPublisher(publisher),
		ledger.WithMetrics(a.Metrics),
		ledger.WithErrorHandler(a.Errors),
	)
	a.Local = ledger.NewLocalGateway(a.Ledger, token.NewAccounts(s, bank))
	return nil
}

func adminAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// connectChain 配置了节点和合约地址时连接链上合约
func (a *App) connectChain(ctx context.Context, cfg *config.ChainConfig) error {
	if cfg == nil || len(cfg.Nodes) == 0 || cfg.EscrowContract == "" {
		return nil
	}

	pool := connection.NewPool(cfg.Nodes, a.Logger)
	a.Shutdown.RegisterCloser("node-pool", shutdown.OrderCloseNetwork, pool)
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("初始化节点连接池失败: %w", err)
	}
	a.Pool = pool

	cli, name, err := pool.Client(cfg.ChainID)
	if err != nil {
		return err
	}
	client, err := chain.NewEscrowClient(ctx, cli, chain.Config{
		EscrowContract: cfg.EscrowContract,
		TokenContract:  cfg.TokenContract,
		PrivateKey:     cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		ReceiptTimeout: config.Duration(cfg.ReceiptTimeout, 2*time.Minute),
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("连接胶囊合约失败: %w", err)
	}
	a.Chain = client

	pool.StartHealthCheck(a.Shutdown.Context())
	a.Logger.WithFields(logrus.Fields{
		"node":     name,
		"contract": cfg.EscrowContract,
		"chain_id": cfg.ChainID,
	}).Info("已连接链上胶囊合约")
	return nil
}

// setupBridge 配置了中继地址时创建跨链会话
func (a *App) setupBridge(cfg *config.BridgeConfig, prompt bridge.PromptUser) error {
	if cfg == nil || cfg.RelayURL == "" {
		return nil
	}
	intent, err := bridge.PolicyFromString(cfg.IntentPolicy, prompt)
	if err != nil {
		return err
	}
	allowance, err := bridge.PolicyFromString(cfg.AllowancePolicy, prompt)
	if err != nil {
		return err
	}

	primitive := bridge.NewRPCPrimitive(cfg.RelayURL, cfg.Network, config.Duration(cfg.Timeout, 5*time.Minute), a.Logger)
	a.Bridge = bridge.NewSession(primitive, bridge.Options{
		Router:          common.HexToAddress(cfg.RouterAddress),
		IntentPolicy:    intent,
		AllowancePolicy: allowance,
	}, a.Metrics, a.Logger)
	a.Shutdown.Register("bridge", shutdown.OrderResetBridge, func(context.Context) error {
		a.Bridge.Reset()
		return nil
	})
	return nil
}

// Backend 已连接合约时走链上，否则走本地账本
func (a *App) Backend() Backend {
	if a.Chain != nil {
		return a.Chain
	}
	return a.Local
}

// ChainID 钱包应当所在的链
func (a *App) ChainID() uint64 {
	if a.Chain != nil {
		return a.Chain.ChainID()
	}
	if a.Config.Chain != nil {
		return a.Config.Chain.ChainID
	}
	return 0
}

// NewSession 创建编排层会话
func (a *App) NewSession() *orchestrator.Session {
	var br orchestrator.Bridge
	if a.Bridge != nil {
		br = a.Bridge
	}
	var escrow common.Address
	if a.Config.Chain != nil && a.Config.Chain.EscrowContract != "" {
		escrow = common.HexToAddress(a.Config.Chain.EscrowContract)
	}
	workers := 0
	if a.Config.Scanner != nil {
		workers = a.Config.Scanner.Workers
	}
	return orchestrator.NewSession(orchestrator.Config{
		ExpectedChainID: a.ChainID(),
		TokenDecimals:   a.Config.Ledger.TokenDecimals,
		EscrowContract:  escrow,
		Workers:         workers,
	}, a.Backend(), br, a.Logger)
}

// Close 执行全部停机处理
func (a *App) Close() error {
	a.Shutdown.Shutdown()
	if errs := a.Shutdown.Errors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
