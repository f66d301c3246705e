package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"capsule/internal/app"
	"capsule/internal/bridge"
	"capsule/internal/config"
	"capsule/internal/logging"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	local      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "capsule",
		Short: "时间胶囊托管工具",
		Long:  `时间锁托管账本的命令行客户端，支持本地账本、链上合约和跨链执行`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env不存在时忽略
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().BoolVar(&local, "local", false, "忽略链上配置，只使用本地账本")

	rootCmd.AddCommand(
		createCmd(),
		getCmd(),
		listCmd(),
		transferCmd(),
		openCmd(),
		rescueCmd(),
		mintCmd(),
		custodyCmd(),
		decodeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// newLogger 按配置创建日志，--verbose 覆盖级别
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logCfg := logging.LogConfig{Level: "info", Format: "text"}
	if cfg.Logging != nil {
		logCfg = *cfg.Logging
	}
	// 标准输出留给命令结果
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	if verbose {
		logCfg.Level = "debug"
	}
	return logging.NewLogger(&logCfg)
}

// setup 加载配置并组装组件
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return app.New(ctx, cfg, logger, app.Options{
		Prompt: bridge.PromptUser{Intent: confirmIntent, Allowance: confirmAllowance},
		Local:  local,
	})
}

func ask(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func confirmIntent(_ context.Context, intent *bridge.Intent) (bool, error) {
	return ask(fmt.Sprintf("确认跨链计划 %s: %s %s, 链 %d -> %d, 手续费 %s",
		intent.ID, intent.Amount, intent.Token, intent.SourceChain, intent.DestChain, intent.Fees)), nil
}

func confirmAllowance(_ context.Context, req *bridge.AllowanceRequest) ([]string, error) {
	for _, src := range req.Sources {
		fmt.Fprintf(os.Stderr, "  链 %d 上的 %s 需要授权 %s\n", src.ChainID, src.Token, src.Required)
	}
	if !ask("授权最小额度") {
		return nil, nil
	}
	return bridge.MinimalAllowance, nil
}
