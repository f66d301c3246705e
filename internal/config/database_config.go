package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接创建配置管理器
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// LoadConfig 从数据库加载完整配置，未出现的键保持默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载节点配置失败: %w", err)
	}
	config.Chain.Nodes = nodes

	values, err := dc.ListConfigs("system")
	if err != nil {
		return nil, fmt.Errorf("加载系统配置失败: %w", err)
	}
	if err := applyValues(config, values); err != nil {
		return nil, err
	}

	if config.Output.Format == "kafka" || config.Output.Format == "kafka_async" {
		topics, err := dc.loadKafkaTopics()
		if err != nil {
			return nil, fmt.Errorf("加载Kafka主题失败: %w", err)
		}
		if len(topics) > 0 {
			config.Output.Kafka.Topics = topics
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadNodes 加载节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, chain_id, node_type, rate_limit, priority FROM chain_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.ChainID, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// applyValues 将键值配置写入结构体，不认识的键忽略
func applyValues(config *Config, values map[string]string) error {
	for key, value := range values {
		if _, err := ApplyValue(config, key, value); err != nil {
			return err
		}
	}
	return nil
}

// SystemKeys 可以存放在 system_config 表中的配置键
var SystemKeys = []string{
	"ledger.db_path", "ledger.address", "ledger.escrow_token", "ledger.admin",
	"ledger.token_decimals", "ledger.max_message_length",
	"chain.chain_id", "chain.escrow_contract", "chain.token_contract", "chain.receipt_timeout",
	"bridge.relay_url", "bridge.router_address", "bridge.network",
	"bridge.intent_policy", "bridge.allowance_policy", "bridge.timeout",
	"output.format", "output.directory", "output.kafka_brokers",
	"api.port", "api.signature_skew", "api.replay_cache",
	"scanner.workers",
	"logging.level", "logging.format",
}

// ApplyValue 写入单个配置键，返回该键是否被识别
func ApplyValue(config *Config, key, value string) (bool, error) {
	switch key {
	case "ledger.db_path":
		config.Ledger.DBPath = value
	case "ledger.address":
		config.Ledger.Address = value
	case "ledger.escrow_token":
		config.Ledger.EscrowToken = value
	case "ledger.admin":
		config.Ledger.Admin = value
	case "ledger.token_decimals":
		v, err := strconv.Atoi(value)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.Ledger.TokenDecimals = v
	case "ledger.max_message_length":
		v, err := strconv.Atoi(value)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.Ledger.MaxMessageLength = v
	case "chain.chain_id":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.Chain.ChainID = v
	case "chain.escrow_contract":
		config.Chain.EscrowContract = value
	case "chain.token_contract":
		config.Chain.TokenContract = value
	case "chain.receipt_timeout":
		config.Chain.ReceiptTimeout = value
	case "bridge.relay_url":
		config.Bridge.RelayURL = value
	case "bridge.router_address":
		config.Bridge.RouterAddress = value
	case "bridge.network":
		config.Bridge.Network = value
	case "bridge.intent_policy":
		config.Bridge.IntentPolicy = value
	case "bridge.allowance_policy":
		config.Bridge.AllowancePolicy = value
	case "bridge.timeout":
		config.Bridge.Timeout = value
	case "output.format":
		config.Output.Format = value
	case "output.directory":
		config.Output.Directory = value
	case "output.kafka_brokers":
		var brokers []string
		if err := json.Unmarshal([]byte(value), &brokers); err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.Output.Kafka.Brokers = brokers
	case "api.port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.API.Port = v
	case "api.signature_skew":
		config.API.SignatureSkew = value
	case "api.replay_cache":
		v, err := strconv.Atoi(value)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.API.ReplayCache = v
	case "scanner.workers":
		v, err := strconv.Atoi(value)
		if err != nil {
			return true, fmt.Errorf("%s 无效: %w", key, err)
		}
		config.Scanner.Workers = v
	case "logging.level":
		config.Logging.Level = value
	case "logging.format":
		config.Logging.Format = value
	default:
		return false, nil
	}
	return true, nil
}

// loadKafkaTopics 加载Kafka主题配置
func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT event_type, topic_name FROM kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var eventType, topicName string
		if err := rows.Scan(&eventType, &topicName); err != nil {
			return nil, err
		}
		topics[eventType] = topicName
	}
	return topics, rows.Err()
}

func tableFor(configType string) (string, error) {
	switch configType {
	case "system":
		return "system_config", nil
	default:
		return "", fmt.Errorf("不支持的配置类型: %s", configType)
	}
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(configType, key, value string) error {
	tableName, err := tableFor(configType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`, tableName)

	_, err = dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(configType, key string) (string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, tableName)
	var value string
	err = dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
