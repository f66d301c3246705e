package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI      = 10 // 停止接受新请求
	OrderStopWorkers  = 20 // 停止健康检查等后台任务
	OrderResetBridge  = 30 // 丢弃跨链会话
	OrderFlushEvents  = 40 // 刷新事件输出
	OrderCloseStore   = 50 // 关闭账本存储
	OrderCloseNetwork = 60 // 关闭节点连接
)

// Func 停机处理函数
type Func struct {
	Name  string
	Fn    func(ctx context.Context) error
	Order int
}

// GracefulShutdown 按顺序执行停机处理
type GracefulShutdown struct {
	logger     *logrus.Logger
	timeout    time.Duration
	funcs      []Func
	mu         sync.Mutex
	signalChan chan os.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	done       chan struct{}
	errs       []error
}

// NewGracefulShutdown 创建停机管理器，timeout<=0时为30秒
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.funcs = append(gs.funcs, Func{Name: name, Fn: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// RegisterCloser 注册只有Close方法的资源
func (gs *GracefulShutdown) RegisterCloser(name string, order int, closer interface{ Close() error }) {
	gs.Register(name, order, func(context.Context) error { return closer.Close() })
}

// Context 停机开始时取消，后台任务以它为父上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Listen 监听SIGINT/SIGTERM/SIGQUIT，收到后执行停机
func (gs *GracefulShutdown) Listen() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
	gs.logger.Info("停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Wait 等待停机完成
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Shutdown 执行停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.once.Do(gs.perform)
}

// IsShuttingDown 是否已开始停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.ctx.Err() != nil
}

// Errors 停机过程中的错误
func (gs *GracefulShutdown) Errors() []error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return append([]error(nil), gs.errs...)
}

func (gs *GracefulShutdown) perform() {
	defer close(gs.done)
	signal.Stop(gs.signalChan)
	gs.cancel()

	gs.logger.Info("开始优雅停机流程...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.mu.Lock()
	funcs := append([]Func(nil), gs.funcs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var errs []error
	for _, f := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", f.Name)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, shutdownCtx.Err()))
			continue
		}

		start := time.Now()
		if err := f.Fn(shutdownCtx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", f.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", f.Name, time.Since(start))
	}

	gs.mu.Lock()
	gs.errs = errs
	gs.mu.Unlock()

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	}
	gs.logger.Info("优雅停机流程完成")
}
