package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"capsule/internal/errors"
	"capsule/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// RPCPrimitive 通过JSON-RPC访问跨链中继
type RPCPrimitive struct {
	url     string
	network string
	timeout time.Duration
	dial    func(ctx context.Context) (*rpc.Client, error)
	logger  *logrus.Logger
}

// NewRPCPrimitive 创建中继执行器
func NewRPCPrimitive(url, network string, timeout time.Duration, logger *logrus.Logger) *RPCPrimitive {
	return &RPCPrimitive{
		url:     url,
		network: network,
		timeout: timeout,
		dial: func(ctx context.Context) (*rpc.Client, error) {
			return rpc.DialContext(ctx, url)
		},
		logger: logger,
	}
}

// NewInProcPrimitive 连接进程内的RPC服务
func NewInProcPrimitive(server *rpc.Server, network string, logger *logrus.Logger) *RPCPrimitive {
	return &RPCPrimitive{
		url:     "inproc",
		network: network,
		dial: func(context.Context) (*rpc.Client, error) {
			return rpc.DialInProc(server), nil
		},
		logger: logger,
	}
}

// SessionInfo 中继会话信息
type SessionInfo struct {
	SessionID string         `json:"sessionId"`
	Network   string         `json:"network"`
	Account   common.Address `json:"account"`
	ChainID   uint64         `json:"chainId"`
}

// Connect 建立中继会话
func (p *RPCPrimitive) Connect(ctx context.Context, provider Provider) (Client, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("连接跨链中继失败: %w", err)
	}

	var info SessionInfo
	if err := c.CallContext(ctx, &info, "bridge_initialize", p.network, provider.Account(), provider.ChainID()); err != nil {
		c.Close()
		return nil, fmt.Errorf("初始化跨链中继会话失败: %w", err)
	}

	logging.NewRPCLogger(p.logger, "bridge_initialize", p.url).WithField("session_id", info.SessionID).Info("跨链中继会话已建立")
	return &rpcClient{
		rpc:     c,
		session: info.SessionID,
		url:     p.url,
		timeout: p.timeout,
		logger:  p.logger,
	}, nil
}

type rpcClient struct {
	rpc     *rpc.Client
	session string
	url     string
	timeout time.Duration
	logger  *logrus.Logger

	mu            sync.RWMutex
	intentHook    IntentHook
	allowanceHook AllowanceHook
}

func (c *rpcClient) SetIntentHook(hook IntentHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intentHook = hook
}

func (c *rpcClient) SetAllowanceHook(hook AllowanceHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowanceHook = hook
}

func (c *rpcClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	logging.NewRPCLogger(c.logger, method, c.url).WithFields(logrus.Fields{
		"duration": time.Since(start),
		"error":    err,
	}).Debug("中继调用完成")
	return err
}

func (c *rpcClient) Allowance(ctx context.Context, asset Asset, chainID uint64, owner, spender common.Address) (*big.Int, error) {
	var allowance hexutil.Big
	if err := c.call(ctx, &allowance, "bridge_allowance", c.session, asset.Symbol(), chainID, owner, spender); err != nil {
		return nil, err
	}
	return allowance.ToInt(), nil
}

func (c *rpcClient) Approve(ctx context.Context, asset Asset, chainID uint64, spender common.Address, amount *big.Int) error {
	var txHash common.Hash
	return c.call(ctx, &txHash, "bridge_approve", c.session, asset.Symbol(), chainID, spender, (*hexutil.Big)(amount))
}

func (c *rpcClient) Execute(ctx context.Context, req *ExecuteRequest) (RawResult, error) {
	var raw RawResult
	if err := c.call(ctx, &raw, "bridge_execute", c.session, req); err != nil {
		return nil, err
	}
	return raw, nil
}

// preparedIntent 中继返回的跨链计划
type preparedIntent struct {
	Intent    intentJSON        `json:"intent"`
	Sources   []allowanceSource `json:"allowanceSources"`
	Simulated bool              `json:"simulated"`
}

type intentJSON struct {
	ID          string       `json:"id"`
	Token       string       `json:"token"`
	Amount      *hexutil.Big `json:"amount"`
	SourceChain uint64       `json:"sourceChainId"`
	DestChain   uint64       `json:"destinationChainId"`
	Fees        *hexutil.Big `json:"fees"`
}

type allowanceSource struct {
	ChainID  uint64       `json:"chainId"`
	Token    string       `json:"token"`
	Required *hexutil.Big `json:"required"`
	Current  *hexutil.Big `json:"current"`
}

func toInt(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return b.ToInt()
}

// BridgeAndExecute 先取得跨链计划，经两个回调审批后再提交
func (c *rpcClient) BridgeAndExecute(ctx context.Context, req *BridgeRequest) (RawResult, error) {
	var prepared preparedIntent
	if err := c.call(ctx, &prepared, "bridge_prepareIntent", c.session, req); err != nil {
		return nil, errors.ErrNotSubmitted.Withf("获取跨链计划失败").Wrap(err)
	}

	c.mu.RLock()
	intentHook, allowanceHook := c.intentHook, c.allowanceHook
	c.mu.RUnlock()

	intent := &Intent{
		ID:          prepared.Intent.ID,
		Token:       prepared.Intent.Token,
		Amount:      toInt(prepared.Intent.Amount),
		SourceChain: prepared.Intent.SourceChain,
		DestChain:   prepared.Intent.DestChain,
		Fees:        toInt(prepared.Intent.Fees),
	}
	if intentHook == nil {
		return nil, errors.ErrIntentRejected.Withf("未注册意图回调")
	}
	if err := intentHook(ctx, intent); err != nil {
		return nil, err
	}

	selection := []string{}
	if len(prepared.Sources) > 0 {
		if allowanceHook == nil {
			return nil, errors.ErrIntentRejected.Withf("未注册授权回调")
		}
		sources := make([]AllowanceSource, 0, len(prepared.Sources))
		for _, src := range prepared.Sources {
			sources = append(sources, AllowanceSource{
				ChainID:  src.ChainID,
				Token:    src.Token,
				Required: toInt(src.Required),
				Current:  toInt(src.Current),
			})
		}
		var err error
		selection, err = allowanceHook(ctx, &AllowanceRequest{IntentID: intent.ID, Sources: sources})
		if err != nil {
			return nil, err
		}
	}

	var raw RawResult
	if err := c.call(ctx, &raw, "bridge_bridgeAndExecute", c.session, intent.ID, selection, req); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *rpcClient) Close() error {
	c.rpc.Close()
	return nil
}
