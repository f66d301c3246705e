package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"capsule/internal/connection"
	"capsule/internal/errors"
	"capsule/internal/ledger"
	"capsule/internal/metrics"
	"capsule/internal/scanner"
	"capsule/internal/validation"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Backend 接口背后的托管账本，本地账本和链上合约都实现它
type Backend interface {
	Now(ctx context.Context) (int64, error)
	TotalCount(ctx context.Context) (uint64, error)
	GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error)
	CreateEscrow(ctx context.Context, caller common.Address, amount *big.Int, message, fileHash string, unlockTime int64) (models.TxReceipt, error)
	TransferOwnership(ctx context.Context, caller common.Address, id uint64, newOwner common.Address) (models.TxReceipt, error)
	OpenEscrow(ctx context.Context, caller common.Address, id uint64) (models.TxReceipt, error)
	RescueOtherToken(ctx context.Context, caller, token common.Address, amount *big.Int) (models.TxReceipt, error)
}

// CustodyReader 托管对账
type CustodyReader interface {
	Custody(ctx context.Context) (*ledger.CustodyReport, error)
}

// Options 服务参数
type Options struct {
	Port          int
	SignatureSkew time.Duration
	LogBufferSize int
	Workers       int
	Admin         common.Address // 可修改配置的地址，为空时禁止修改
	ReplayCache   int            // 已用随机串记录上限
}

// Option 可选组件
type Option func(*Server)

// WithCustody 启用 /custody
func WithCustody(r CustodyReader) Option {
	return func(s *Server) { s.custody = r }
}

// WithConfigStore 启用 /config
func WithConfigStore(store ConfigStore) Option {
	return func(s *Server) { s.configs = NewConfigManager(store, s.logger) }
}

// WithNodePool 启用 /nodes
func WithNodePool(p *connection.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithClock 指定校验签名时间戳用的时钟
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server API服务器
type Server struct {
	backend    Backend
	scanner    *scanner.Scanner
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	logManager *LogManager
	custody    CustodyReader
	desk       TokenDesk
	configs    *ConfigManager
	pool       *connection.Pool
	admin      common.Address
	server     *http.Server
	mu         sync.Mutex
	port       int
	skew       time.Duration
	now        func() time.Time
	replay     *replayCache
	router     *gin.Engine
}

// NewServer 创建新的API服务器
func NewServer(backend Backend, validator *validation.Validator, m *metrics.Metrics, logger *logrus.Logger, opts Options, extra ...Option) *Server {
	if opts.SignatureSkew <= 0 {
		opts.SignatureSkew = DefaultSignatureSkew
	}

	logManager := NewLogManager(opts.LogBufferSize)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		backend:    backend,
		scanner:    scanner.New(backend, opts.Workers, logger),
		validator:  validator,
		metrics:    m,
		logger:     logger,
		logManager: logManager,
		admin:      opts.Admin,
		port:       opts.Port,
		skew:       opts.SignatureSkew,
		now:        time.Now,
	}
	for _, opt := range extra {
		opt(s)
	}
	s.replay = newReplayCache(opts.ReplayCache, func() time.Time { return s.now() })

	gin.SetMode(gin.ReleaseMode)
	s.router = s.buildRouter()
	return s
}

// Handler 路由，测试时直接交给httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到Stop
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API服务器异常退出: %w", err)
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, "+HeaderAddress+", "+HeaderTimestamp+", "+HeaderNonce+", "+HeaderSignature)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(s.accessLog(), gin.Recovery())

	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	signed := s.requireSignature()
	api := router.Group("/api/v1")
	{
		api.GET("/capsules/count", s.getCount)
		api.GET("/capsules/:id", s.getCapsule)
		api.GET("/owners/:address/capsules", s.getOwnerCapsules)
		api.GET("/custody", s.getCustody)

		api.POST("/capsules", signed, s.createCapsule)
		api.POST("/capsules/:id/transfer", signed, s.transferCapsule)
		api.POST("/capsules/:id/open", signed, s.openCapsule)
		api.POST("/rescue", signed, s.rescueToken)

		api.GET("/accounts/:address", s.requireDesk, s.getAccount)
		api.POST("/allowance", s.requireDesk, signed, s.approveLedger)
		api.POST("/mint", s.requireDesk, signed, s.requireAdmin, s.mintToken)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", signed, s.requireAdmin, s.clearLogs)

		if s.pool != nil {
			api.GET("/nodes", s.getNodes)
		}
		if s.configs != nil {
			s.configs.register(api, s.fail, signed, s.requireAdmin)
		}
	}
	return router
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start),
		}).Debug("请求完成")
	}
}

// requireAdmin 只允许配置中的管理员地址
func (s *Server) requireAdmin(c *gin.Context) {
	if s.admin == (common.Address{}) || caller(c) != s.admin {
		s.fail(c, errors.ErrUnauthorized)
		return
	}
	c.Next()
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "capsule-api",
	})
}

// capsuleView 接口返回的胶囊
type capsuleView struct {
	*models.EscrowEntry
	Amount string `json:"amount"`
	Status string `json:"status"`
}

func viewOf(entry *models.EscrowEntry, now int64) capsuleView {
	amount := "0"
	if entry.Amount != nil {
		amount = entry.Amount.String()
	}
	return capsuleView{EscrowEntry: entry, Amount: amount, Status: entry.Status(now)}
}

func parseID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.ErrNotFound.WithContext("id", c.Param("id"))
	}
	return id, nil
}

// getCount 胶囊总数
func (s *Server) getCount(c *gin.Context) {
	count, err := s.backend.TotalCount(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// getCapsule 单个胶囊
func (s *Server) getCapsule(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	entry, err := s.backend.GetEscrow(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	now, err := s.backend.Now(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(entry, now))
}

// getOwnerCapsules 某地址名下的胶囊及汇总
func (s *Server) getOwnerCapsules(c *gin.Context) {
	owner, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	entries, err := s.scanner.ScanOwner(ctx, owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	now, err := s.backend.Now(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	views := make([]capsuleView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewOf(entry, now))
	}
	summary := models.Summarize(owner, entries, now)
	c.JSON(http.StatusOK, gin.H{
		"owner":    owner.Hex(),
		"capsules": views,
		"summary": gin.H{
			"count":         summary.Count,
			"total_amount":  summary.TotalAmount.String(),
			"locked_value":  summary.LockedValue.String(),
			"opened":        summary.Opened,
			"locked":        summary.Locked,
			"ready_to_open": summary.ReadyToOpen,
		},
	})
}

// getCustody 托管对账，只有本地账本提供
func (s *Server) getCustody(c *gin.Context) {
	if s.custody == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": gin.H{"message": "当前后端不支持托管对账"}})
		return
	}
	report, err := s.custody.Custody(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": report.Balance.String(),
		"locked":  report.Locked.String(),
		"count":   report.Count,
		"open":    report.Open,
		"solvent": report.Solvent(),
	})
}

func (s *Server) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.fail(c, errors.ErrInvalidCall.Withf("请求体解析失败: %v", err))
		return false
	}
	return true
}

// createCapsule 创建胶囊，调用者即所有者
func (s *Server) createCapsule(c *gin.Context) {
	var req models.CreateEscrowRequest
	if !s.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	now, err := s.backend.Now(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.validator.ValidateCreate(&req, now).Err(); err != nil {
		s.fail(c, err)
		return
	}
	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}

	receipt, err := s.backend.CreateEscrow(ctx, caller(c), amount, req.Message, req.FileHash, req.UnlockTime)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// transferCapsule 转移所有权
func (s *Server) transferCapsule(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req models.TransferRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.validator.ValidateTransfer(&req).Err(); err != nil {
		s.fail(c, err)
		return
	}

	newOwner := common.HexToAddress(req.NewOwner)
	receipt, err := s.backend.TransferOwnership(c.Request.Context(), caller(c), id, newOwner)
	if err != nil {
		s.fail(c, err)
		return
	}
	receipt.EscrowID = id
	c.JSON(http.StatusOK, receipt)
}

// openCapsule 提取到期胶囊
func (s *Server) openCapsule(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	receipt, err := s.backend.OpenEscrow(c.Request.Context(), caller(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	receipt.EscrowID = id
	c.JSON(http.StatusOK, receipt)
}

// rescueToken 管理员取回误转入的其他代币
func (s *Server) rescueToken(c *gin.Context) {
	var req models.RescueRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.validator.ValidateRescue(&req).Err(); err != nil {
		s.fail(c, err)
		return
	}
	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}

	receipt, err := s.backend.RescueOtherToken(c.Request.Context(), caller(c), common.HexToAddress(req.Token), amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	component := c.Query("component")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, component, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getNodes 节点状态
func (s *Server) getNodes(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.GetStats())
}
