package bridge

import (
	"context"
	stderrors "errors"
	"net"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"capsule/internal/errors"
	"capsule/internal/logging"
	"capsule/internal/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// State 会话状态
type State interface {
	Code() int
	String() string
}

// Uninitialized 未初始化
type Uninitialized struct{}

// Initializing 初始化中
type Initializing struct{}

// Ready 可用
type Ready struct {
	client   Client
	provider Provider
}

// Failed 初始化失败
type Failed struct {
	Err error
}

func (Uninitialized) Code() int { return 0 }
func (Initializing) Code() int  { return 1 }
func (Ready) Code() int         { return 2 }
func (Failed) Code() int        { return 3 }

func (Uninitialized) String() string { return "uninitialized" }
func (Initializing) String() string  { return "initializing" }
func (Ready) String() string         { return "ready" }
func (Failed) String() string        { return "failed" }

// Options 会话参数
type Options struct {
	Router          common.Address // 授权的spender
	IntentPolicy    IntentPolicy
	AllowancePolicy AllowancePolicy
}

// Session 跨链执行会话，由调用方持有并传递
type Session struct {
	primitive Primitive
	router    common.Address
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	group singleflight.Group

	mu              sync.Mutex
	state           State
	gen             uint64
	intentPolicy    IntentPolicy
	allowancePolicy AllowancePolicy
}

// NewSession 创建跨链会话
func NewSession(primitive Primitive, opts Options, m *metrics.Metrics, logger *logrus.Logger) *Session {
	s := &Session{
		primitive:       primitive,
		router:          opts.Router,
		metrics:         m,
		logger:          logger,
		state:           Uninitialized{},
		intentPolicy:    opts.IntentPolicy,
		allowancePolicy: opts.AllowancePolicy,
	}
	if s.intentPolicy == nil {
		s.intentPolicy = AutoApprove{}
	}
	if s.allowancePolicy == nil {
		s.allowancePolicy = AutoApprove{}
	}
	m.SetBridgeState(s.state.Code())
	return s
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.state = st
	s.metrics.SetBridgeState(st.Code())
}

// SetIntentPolicy 替换意图策略
func (s *Session) SetIntentPolicy(p IntentPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentPolicy = p
}

// SetAllowancePolicy 替换授权策略
func (s *Session) SetAllowancePolicy(p AllowancePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowancePolicy = p
}

// Initialize 幂等初始化，并发调用合并为一次连接
func (s *Session) Initialize(ctx context.Context, provider Provider) (Client, error) {
	if provider == nil {
		return nil, errors.ErrSdkNotInitialized.Withf("缺少钱包提供者")
	}

	s.mu.Lock()
	if r, ok := s.state.(Ready); ok {
		s.mu.Unlock()
		return r.client, nil
	}
	gen := s.gen
	s.setState(Initializing{})
	s.mu.Unlock()

	v, err, shared := s.group.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		s.mu.Lock()
		if r, ok := s.state.(Ready); ok && s.gen == gen {
			s.mu.Unlock()
			return r.client, nil
		}
		s.mu.Unlock()
		return s.connect(ctx, provider, gen)
	})
	if shared {
		s.logger.Debug("合并并发的跨链会话初始化")
	}
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (s *Session) connect(ctx context.Context, provider Provider, gen uint64) (Client, error) {
	log := logging.NewBridgeLogger(s.logger, "initialize", provider.ChainID())

	client, err := s.primitive.Connect(ctx, provider)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// 初始化期间会话被重置，丢弃结果
		if client != nil {
			client.Close()
		}
		log.Warn("跨链会话在初始化期间被重置，结果已丢弃")
		return nil, errors.ErrSdkNotInitialized.Withf("初始化期间会话已重置")
	}
	if err != nil {
		s.setState(Failed{Err: err})
		log.WithError(err).Error("跨链会话初始化失败")
		return nil, errors.ErrSdkNotInitialized.Wrap(err)
	}

	client.SetIntentHook(s.onIntent)
	client.SetAllowanceHook(s.onAllowance)
	s.setState(Ready{client: client, provider: provider})

	log.WithField("account", provider.Account().Hex()).Info("跨链会话已就绪")
	return client, nil
}

// Reset 断开、切换账户或切换网络后回到未初始化
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if r, ok := s.state.(Ready); ok {
		if err := r.client.Close(); err != nil {
			s.logger.WithError(err).Warn("关闭跨链会话失败")
		}
	}
	s.setState(Uninitialized{})
}

func (s *Session) ready() (Ready, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.(Ready)
	if !ok {
		return Ready{}, errors.ErrSdkNotInitialized.WithContext("state", s.state.String())
	}
	return r, nil
}

func (s *Session) onIntent(ctx context.Context, intent *Intent) error {
	s.mu.Lock()
	policy := s.intentPolicy
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"token":     intent.Token,
		"dest":      intent.DestChain,
	}).Info("收到跨链意图")
	return decideIntent(ctx, policy, intent)
}

func (s *Session) onAllowance(ctx context.Context, req *AllowanceRequest) ([]string, error) {
	s.mu.Lock()
	policy := s.allowancePolicy
	s.mu.Unlock()

	s.logger.WithField("sources", len(req.Sources)).Info("需要授权")
	return decideAllowance(ctx, policy, req)
}

// ExecuteParams 目标链合约调用参数
type ExecuteParams struct {
	Contract common.Address
	ABI      abi.ABI
	Function string
	Args     []interface{}
	ChainID  uint64
	Value    *big.Int // 为空时按0处理
}

// BridgedParams 跨链后调用参数
type BridgedParams struct {
	ExecuteParams
	Symbol string
	Amount *big.Int // 跨链资产最小单位
}

// ParseABI 解析ABI JSON
func ParseABI(abiJSON string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, errors.ErrInvalidCall.Wrap(err)
	}
	return parsed, nil
}

// buildRequest 打包调用数据，函数或参数不匹配时在任何网络调用前失败
func buildRequest(from common.Address, p *ExecuteParams) (*ExecuteRequest, error) {
	method, ok := p.ABI.Methods[p.Function]
	if !ok {
		return nil, errors.ErrInvalidCall.WithContext("function", p.Function)
	}
	data, err := p.ABI.Pack(p.Function, p.Args...)
	if err != nil {
		return nil, errors.ErrInvalidCall.WithContext("function", p.Function).Wrap(err)
	}
	value := new(big.Int)
	if p.Value != nil {
		value.Set(p.Value)
	}
	return &ExecuteRequest{
		From:     from,
		To:       p.Contract,
		Function: method.Sig,
		Data:     data,
		ChainID:  p.ChainID,
		Value:    (*hexutil.Big)(value),
	}, nil
}

// finish 记录指标
func (s *Session) finish(op string, err error) error {
	s.metrics.ObserveBridge(op, errors.CodeOf(err))
	return err
}

// ExecuteRemote 在目标链直接执行合约调用，不跨资产
func (s *Session) ExecuteRemote(ctx context.Context, p ExecuteParams) (Result, error) {
	r, err := s.ready()
	if err != nil {
		return nil, s.finish("execute_remote", err)
	}
	req, err := buildRequest(r.provider.Account(), &p)
	if err != nil {
		return nil, s.finish("execute_remote", err)
	}

	log := logging.NewBridgeLogger(s.logger, "execute_remote", p.ChainID).WithField("function", req.Function)
	log.Info("提交目标链调用")

	raw, callErr := r.client.Execute(ctx, req)
	result, err := s.settle(log, raw, callErr)
	return result, s.finish("execute_remote", err)
}

// ExecuteBridged 跨链转移资产后执行合约调用
func (s *Session) ExecuteBridged(ctx context.Context, p BridgedParams) (Result, error) {
	asset, err := ParseAsset(p.Symbol)
	if err != nil {
		return nil, s.finish("execute_bridged", err)
	}
	if !asset.SupportedOn(p.ChainID) {
		return nil, s.finish("execute_bridged", errors.ErrUnsupportedToken.
			WithContext("symbol", p.Symbol).WithContext("chain_id", p.ChainID))
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, s.finish("execute_bridged", errors.ErrInvalidAmount)
	}

	r, err := s.ready()
	if err != nil {
		return nil, s.finish("execute_bridged", err)
	}
	req, err := buildRequest(r.provider.Account(), &p.ExecuteParams)
	if err != nil {
		return nil, s.finish("execute_bridged", err)
	}

	source := r.provider.ChainID()
	log := logging.NewBridgeLogger(s.logger, "execute_bridged", p.ChainID).WithFields(logrus.Fields{
		"token":    asset.Symbol(),
		"amount":   p.Amount.String(),
		"source":   source,
		"function": req.Function,
	})

	if asset.IsERC20() {
		if err := s.ensureAllowance(ctx, r, asset, source, p.Amount, log); err != nil {
			return nil, s.finish("execute_bridged", err)
		}
	}

	log.Info("提交跨链执行")
	raw, callErr := r.client.BridgeAndExecute(ctx, &BridgeRequest{
		Token:         asset.Symbol(),
		Amount:        (*hexutil.Big)(new(big.Int).Set(p.Amount)),
		SourceChainID: source,
		Execute:       *req,
	})
	result, err := s.settle(log, raw, callErr)
	return result, s.finish("execute_bridged", err)
}

// ensureAllowance 授权不足时才发起授权
func (s *Session) ensureAllowance(ctx context.Context, r Ready, asset Asset, chainID uint64, amount *big.Int, log *logrus.Entry) error {
	owner := r.provider.Account()
	current, err := r.client.Allowance(ctx, asset, chainID, owner, s.router)
	if err != nil {
		return errors.ErrNotSubmitted.Withf("读取授权额度失败").Wrap(err)
	}
	if current != nil && current.Cmp(amount) >= 0 {
		log.WithField("allowance", current.String()).Debug("授权额度充足")
		return nil
	}
	log.WithField("router", s.router.Hex()).Info("授权额度不足，发起授权")
	if err := r.client.Approve(ctx, asset, chainID, s.router, amount); err != nil {
		return classifyCallErr(err, "授权失败")
	}
	return nil
}

// settle 统一结果处理
func (s *Session) settle(log *logrus.Entry, raw RawResult, callErr error) (Result, error) {
	if callErr != nil {
		if errors.NeverStarted(callErr) {
			log.WithError(callErr).Warn("跨链请求未提交")
			return nil, callErr
		}
		if !remoteAnswered(callErr) {
			err := classifyCallErr(callErr, "跨链执行失败")
			log.WithError(callErr).WithField("code", errors.CodeOf(err)).Error("跨链中继调用失败")
			return nil, err
		}
	}

	result := Normalize(raw, callErr)
	switch res := result.(type) {
	case Success:
		log.WithField("tx_hash", res.TxHash.Hex()).Info("跨链执行已提交")
		return res, nil
	case SuccessUnknownHash:
		log.Warn("跨链执行成功但未返回交易哈希")
		return res, nil
	case Failure:
		log.WithField("reason", res.Reason).Error("跨链执行失败")
		return res, errors.ErrBridgeFailed.Withf("跨链执行失败: %s", res.Reason).Wrap(callErr)
	}
	return result, nil
}

// remoteAnswered 中继返回了JSON-RPC错误响应
func remoteAnswered(err error) bool {
	var rpcErr rpc.Error
	return stderrors.As(err, &rpcErr)
}

// notSubmitted 连接阶段就失败，请求没有发出
func notSubmitted(err error) bool {
	if stderrors.Is(err, rpc.ErrClientQuit) {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr) && opErr.Op == "dial"
}

// classifyCallErr 远端拒绝、未送达、结果未知三类
func classifyCallErr(err error, what string) error {
	switch {
	case errors.NeverStarted(err):
		return err
	case remoteAnswered(err):
		return errors.ErrBridgeFailed.Withf("%s", what).Wrap(err)
	case notSubmitted(err):
		return errors.ErrNotSubmitted.Withf("%s", what).Wrap(err)
	default:
		return errors.ErrBridgeUnknown.Withf("%s", what).Wrap(err)
	}
}
