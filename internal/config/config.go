package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"capsule/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Ledger  *LedgerConfig      `mapstructure:"ledger"`
	Chain   *ChainConfig       `mapstructure:"chain"`
	Bridge  *BridgeConfig      `mapstructure:"bridge"`
	Output  *OutputConfig      `mapstructure:"output"`
	API     *APIConfig         `mapstructure:"api"`
	Scanner *ScannerConfig     `mapstructure:"scanner"`
	Logging *logging.LogConfig `mapstructure:"logging"`
}

// LedgerConfig 本地账本配置
type LedgerConfig struct {
	DBPath           string `mapstructure:"db_path"`
	Address          string `mapstructure:"address"`      // 账本托管地址
	EscrowToken      string `mapstructure:"escrow_token"` // 托管代币地址
	Admin            string `mapstructure:"admin"`        // 管理员地址
	TokenDecimals    int    `mapstructure:"token_decimals"`
	MaxMessageLength int    `mapstructure:"max_message_length"`
}

// ChainConfig 链上合约配置
type ChainConfig struct {
	ChainID        uint64        `mapstructure:"chain_id"`
	Nodes          []*NodeConfig `mapstructure:"nodes"`
	EscrowContract string        `mapstructure:"escrow_contract"`
	TokenContract  string        `mapstructure:"token_contract"`
	PrivateKey     string        `mapstructure:"private_key"`
	ReceiptTimeout string        `mapstructure:"receipt_timeout"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	ChainID   uint64 `mapstructure:"chain_id"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// BridgeConfig 跨链适配器配置
type BridgeConfig struct {
	RelayURL        string `mapstructure:"relay_url"`
	RouterAddress   string `mapstructure:"router_address"`
	Network         string `mapstructure:"network"`
	IntentPolicy    string `mapstructure:"intent_policy"`    // auto, deny, prompt
	AllowancePolicy string `mapstructure:"allowance_policy"` // auto, deny, prompt
	Timeout         string `mapstructure:"timeout"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, file, kafka, kafka_async
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP接口配置
type APIConfig struct {
	Port          int    `mapstructure:"port"`
	SignatureSkew string `mapstructure:"signature_skew"`
	LogBufferSize int    `mapstructure:"log_buffer_size"`
	ReplayCache   int    `mapstructure:"replay_cache"`
}

// ScannerConfig 扫描器配置
type ScannerConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	if dbDSN := os.Getenv("CAPSULE_DB_DSN"); dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，CAPSULE_前缀的环境变量可覆盖
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CAPSULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults 注册默认值，环境变量覆盖只对注册过的键生效
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("ledger.db_path", d.Ledger.DBPath)
	v.SetDefault("ledger.address", d.Ledger.Address)
	v.SetDefault("ledger.escrow_token", d.Ledger.EscrowToken)
	v.SetDefault("ledger.admin", d.Ledger.Admin)
	v.SetDefault("ledger.token_decimals", d.Ledger.TokenDecimals)
	v.SetDefault("ledger.max_message_length", d.Ledger.MaxMessageLength)
	v.SetDefault("chain.chain_id", d.Chain.ChainID)
	v.SetDefault("chain.escrow_contract", "")
	v.SetDefault("chain.token_contract", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.receipt_timeout", d.Chain.ReceiptTimeout)
	v.SetDefault("bridge.relay_url", "")
	v.SetDefault("bridge.router_address", d.Bridge.RouterAddress)
	v.SetDefault("bridge.network", d.Bridge.Network)
	v.SetDefault("bridge.intent_policy", d.Bridge.IntentPolicy)
	v.SetDefault("bridge.allowance_policy", d.Bridge.AllowancePolicy)
	v.SetDefault("bridge.timeout", d.Bridge.Timeout)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.signature_skew", d.API.SignatureSkew)
	v.SetDefault("api.log_buffer_size", d.API.LogBufferSize)
	v.SetDefault("api.replay_cache", d.API.ReplayCache)
	v.SetDefault("scanner.workers", d.Scanner.Workers)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("缺少ledger配置")
	}
	for name, addr := range map[string]string{
		"ledger.address":      c.Ledger.Address,
		"ledger.escrow_token": c.Ledger.EscrowToken,
		"ledger.admin":        c.Ledger.Admin,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s 不是有效地址: %s", name, addr)
		}
	}
	if c.Ledger.MaxMessageLength <= 0 {
		return fmt.Errorf("ledger.max_message_length 必须大于0")
	}
	if c.Ledger.TokenDecimals < 0 || c.Ledger.TokenDecimals > 36 {
		return fmt.Errorf("ledger.token_decimals 超出范围: %d", c.Ledger.TokenDecimals)
	}
	if c.Chain != nil {
		for _, node := range c.Chain.Nodes {
			if !validateNodeConfig(node) {
				return fmt.Errorf("节点配置无效: %+v", node)
			}
		}
		if c.Chain.ReceiptTimeout != "" {
			if _, err := time.ParseDuration(c.Chain.ReceiptTimeout); err != nil {
				return fmt.Errorf("chain.receipt_timeout 无效: %w", err)
			}
		}
	}
	if c.Bridge != nil {
		if c.Bridge.RouterAddress != "" && !common.IsHexAddress(c.Bridge.RouterAddress) {
			return fmt.Errorf("bridge.router_address 不是有效地址: %s", c.Bridge.RouterAddress)
		}
		for _, p := range []string{c.Bridge.IntentPolicy, c.Bridge.AllowancePolicy} {
			switch p {
			case "", "auto", "deny", "prompt":
			default:
				return fmt.Errorf("未知的跨链审批策略: %s", p)
			}
		}
	}
	if c.API != nil && c.API.SignatureSkew != "" {
		if _, err := time.ParseDuration(c.API.SignatureSkew); err != nil {
			return fmt.Errorf("api.signature_skew 无效: %w", err)
		}
	}
	if c.API != nil && c.API.ReplayCache < 0 {
		return fmt.Errorf("api.replay_cache 不能为负数: %d", c.API.ReplayCache)
	}
	return nil
}

// validateNodeConfig 校验节点配置
func validateNodeConfig(node *NodeConfig) bool {
	if node == nil || node.Name == "" || node.URL == "" {
		return false
	}
	return node.RateLimit >= 0
}

// Duration 解析时长字符串，失败时返回默认值
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Ledger: &LedgerConfig{
			DBPath:           "./data/capsule.db",
			Address:          "0x000000000000000000000000000000000000CAFE",
			EscrowToken:      "0x0000000000000000000000000000000000005A5D",
			Admin:            "",
			TokenDecimals:    6,
			MaxMessageLength: 1024,
		},
		Chain: &ChainConfig{
			ChainID:        11155111,
			Nodes:          []*NodeConfig{},
			ReceiptTimeout: "2m",
		},
		Bridge: &BridgeConfig{
			RouterAddress:   "0x7b5817ce177112c7b8641af73f6030c2d3a339b1",
			Network:         "testnet",
			IntentPolicy:    "auto",
			AllowancePolicy: "auto",
			Timeout:         "5m",
		},
		Output: &OutputConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"escrow_created":        "capsule_escrow_created",
					"ownership_transferred": "capsule_ownership_transferred",
					"escrow_opened":         "capsule_escrow_opened",
					"token_rescued":         "capsule_token_rescued",
				},
			},
		},
		API: &APIConfig{
			Port:          8080,
			SignatureSkew: "5m",
			LogBufferSize: 1000,
			ReplayCache:   10000,
		},
		Scanner: &ScannerConfig{
			Workers: 8,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
