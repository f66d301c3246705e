package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"capsule/internal/config"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Dialer 建立节点连接
type Dialer func(ctx context.Context, url string) (*ethclient.Client, error)

// NodeState 单个节点的连接状态
type NodeState struct {
	node      *config.NodeConfig
	client    *ethclient.Client
	healthy   bool
	lastCheck time.Time
	failures  int
}

// Pool 按链ID路由的节点连接池
type Pool struct {
	nodes          []*config.NodeConfig
	states         map[string]*NodeState
	dial           Dialer
	logger         *logrus.Logger
	mu             sync.RWMutex
	healthInterval time.Duration
	dialTimeout    time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
}

// PoolOption 连接池选项
type PoolOption func(*Pool)

// WithDialer 替换拨号函数
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithHealthInterval 设置健康检查间隔
func WithHealthInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.healthInterval = d }
}

// NewPool 创建连接池，节点按优先级从高到低排列
func NewPool(nodes []*config.NodeConfig, logger *logrus.Logger, opts ...PoolOption) *Pool {
	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	p := &Pool{
		nodes:          sorted,
		states:         make(map[string]*NodeState),
		dial:           ethclient.DialContext,
		logger:         logger,
		healthInterval: 30 * time.Second,
		dialTimeout:    10 * time.Second,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize 连接所有节点，至少一个可用才算成功
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, node := range p.nodes {
		state := &NodeState{node: node}
		p.states[node.Name] = state
		if err := p.connect(ctx, state); err != nil {
			p.logger.Warnf("初始化节点 %s 失败: %v", node.Name, err)
			continue
		}
		p.logger.WithFields(logrus.Fields{
			"node":     node.Name,
			"chain_id": node.ChainID,
		}).Info("节点连接已建立")
	}

	for _, state := range p.states {
		if state.healthy {
			return nil
		}
	}
	return fmt.Errorf("没有可用的节点")
}

// connect 建立连接并校验链ID，调用方持有锁
func (p *Pool) connect(ctx context.Context, state *NodeState) error {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	client, err := p.dial(ctx, state.node.URL)
	if err != nil {
		state.healthy = false
		state.failures++
		return fmt.Errorf("连接节点失败: %w", err)
	}
	if err := verifyChain(ctx, client, state.node.ChainID); err != nil {
		client.Close()
		state.healthy = false
		state.failures++
		return err
	}

	if state.client != nil {
		state.client.Close()
	}
	state.client = client
	state.healthy = true
	state.failures = 0
	state.lastCheck = time.Now()
	return nil
}

func verifyChain(ctx context.Context, client *ethclient.Client, expected uint64) error {
	id, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("测试连接失败: %w", err)
	}
	if expected != 0 && id.Uint64() != expected {
		return fmt.Errorf("节点链ID不匹配: 期望 %d, 实际 %d", expected, id.Uint64())
	}
	return nil
}

// Client 返回指定链上优先级最高的健康节点
func (p *Pool) Client(chainID uint64) (*ethclient.Client, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, node := range p.nodes {
		if chainID != 0 && node.ChainID != 0 && node.ChainID != chainID {
			continue
		}
		state, ok := p.states[node.Name]
		if !ok || !state.healthy || state.client == nil {
			continue
		}
		return state.client, node.Name, nil
	}
	return nil, "", fmt.Errorf("链 %d 没有可用的健康节点", chainID)
}

// MarkFailed 调用方发现节点异常时标记，等待下次健康检查恢复
func (p *Pool) MarkFailed(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.states[name]; ok {
		state.healthy = false
		state.failures++
		p.logger.Warnf("节点 %s 被标记为不健康", name)
	}
}

// CheckHealth 检查所有节点，不健康的节点尝试重连
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, state := range p.states {
		if state.healthy && state.client != nil {
			checkCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
			err := verifyChain(checkCtx, state.client, state.node.ChainID)
			cancel()
			state.lastCheck = time.Now()
			if err == nil {
				p.logger.Debugf("节点 %s 健康检查通过", name)
				continue
			}
			state.healthy = false
			state.failures++
			p.logger.Warnf("节点 %s 健康检查失败: %v", name, err)
		}

		if err := p.connect(ctx, state); err != nil {
			p.logger.Debugf("节点 %s 重连失败: %v", name, err)
			continue
		}
		p.logger.Infof("节点 %s 已恢复", name)
	}
}

// StartHealthCheck 后台定期检查，Close后退出
func (p *Pool) StartHealthCheck(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.CheckHealth(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]interface{}, len(p.states))
	for name, state := range p.states {
		stats[name] = map[string]interface{}{
			"chain_id":   state.node.ChainID,
			"priority":   state.node.Priority,
			"is_healthy": state.healthy,
			"failures":   state.failures,
			"last_check": state.lastCheck.Format(time.RFC3339),
		}
	}
	return stats
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range p.states {
		if state.client != nil {
			state.client.Close()
			state.client = nil
		}
		state.healthy = false
	}
	p.logger.Info("连接池已关闭")
	return nil
}
