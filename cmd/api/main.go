package main

import (
	"context"
	"flag"
	"os"

	"capsule/internal/api"
	"capsule/internal/app"
	"capsule/internal/config"
	"capsule/internal/logging"
	"capsule/internal/shutdown"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0表示使用配置")
	verbose    = flag.Bool("verbose", false, "详细输出")
	localOnly  = flag.Bool("local", false, "忽略链上配置，只使用本地账本")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志失败: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logger, app.Options{Local: *localOnly})
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	opts := api.Options{
		Port:          cfg.API.Port,
		SignatureSkew: config.Duration(cfg.API.SignatureSkew, api.DefaultSignatureSkew),
		LogBufferSize: cfg.API.LogBufferSize,
		ReplayCache:   cfg.API.ReplayCache,
		Workers:       cfg.Scanner.Workers,
	}
	if *port > 0 {
		opts.Port = *port
	}
	if cfg.Ledger.Admin != "" {
		opts.Admin = common.HexToAddress(cfg.Ledger.Admin)
	}

	var extra []api.Option
	if a.Chain == nil {
		extra = append(extra, api.WithCustody(a.Ledger), api.WithTokenDesk(a.Local))
	}
	if a.Pool != nil {
		extra = append(extra, api.WithNodePool(a.Pool))
	}
	if dsn := os.Getenv("CAPSULE_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Fatalf("连接配置数据库失败: %v", err)
		}
		a.Shutdown.RegisterCloser("config-db", shutdown.OrderCloseNetwork, dbConfig)
		extra = append(extra, api.WithConfigStore(dbConfig))
	}

	server := api.NewServer(a.Backend(), a.Validator, a.Metrics, logger, opts, extra...)
	a.Shutdown.Register("api", shutdown.OrderStopAPI, server.Stop)
	a.Shutdown.Listen()

	go func() {
		if err := server.Start(); err != nil {
			logger.WithFields(logrus.Fields{"error": err}).Error("API服务器异常退出")
			a.Shutdown.Shutdown()
		}
	}()

	a.Shutdown.Wait()
	logger.Info("服务器已关闭")
}
