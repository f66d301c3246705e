package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config)
	assert.NotNil(t, config.Ledger)
	assert.NotNil(t, config.Chain)
	assert.NotNil(t, config.Bridge)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.API)
	assert.NotNil(t, config.Logging)

	assert.Equal(t, "./data/capsule.db", config.Ledger.DBPath)
	assert.Equal(t, 1024, config.Ledger.MaxMessageLength)
	assert.Equal(t, uint64(11155111), config.Chain.ChainID)
	assert.Equal(t, "0x7b5817ce177112c7b8641af73f6030c2d3a339b1", config.Bridge.RouterAddress)
	assert.Equal(t, "auto", config.Bridge.IntentPolicy)

	assert.Equal(t, "file", config.Output.Format)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "capsule_escrow_opened", config.Output.Kafka.Topics["escrow_opened"])

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)

	assert.NoError(t, config.Validate())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
ledger:
  db_path: /tmp/ledger.db
  admin: "0x00000000000000000000000000000000000000Ad"
chain:
  chain_id: 84532
  nodes:
    - name: base
      url: https://sepolia.base.org
      rate_limit: 10
bridge:
  intent_policy: deny
output:
  format: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
`)

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ledger.db", config.Ledger.DBPath)
	assert.Equal(t, 1024, config.Ledger.MaxMessageLength)
	assert.Equal(t, uint64(84532), config.Chain.ChainID)
	require.Len(t, config.Chain.Nodes, 1)
	assert.Equal(t, "base", config.Chain.Nodes[0].Name)
	assert.Equal(t, "deny", config.Bridge.IntentPolicy)
	assert.Equal(t, "kafka", config.Output.Format)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, config.Output.Kafka.Brokers)
}

func TestLoadConfigFromFile_EnvOverride(t *testing.T) {
	path := writeConfig(t, "api:\n  port: 9000\n")
	t.Setenv("CAPSULE_API_PORT", "9100")
	t.Setenv("CAPSULE_LOGGING_LEVEL", "debug")

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.API.Port)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadConfigFromFile_Invalid(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "bridge:\n  intent_policy: sometimes\n")
	_, err = LoadConfigFromFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	config := GetDefaultConfig()
	config.Ledger.Admin = "not-an-address"
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.Chain.Nodes = []*NodeConfig{{Name: "n1"}}
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.API.SignatureSkew = "soon"
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.Ledger.MaxMessageLength = 0
	assert.Error(t, config.Validate())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Minute, Duration("2m", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("bogus", time.Second))
	assert.Equal(t, time.Second, Duration("-5s", time.Second))
}

func TestApplyValues(t *testing.T) {
	config := GetDefaultConfig()
	err := applyValues(config, map[string]string{
		"ledger.token_decimals": "18",
		"chain.chain_id":        "1",
		"output.format":         "kafka_async",
		"output.kafka_brokers":  `["a:1","b:2"]`,
		"scanner.workers":       "3",
	})
	require.NoError(t, err)

	assert.Equal(t, 18, config.Ledger.TokenDecimals)
	assert.Equal(t, uint64(1), config.Chain.ChainID)
	assert.Equal(t, "kafka_async", config.Output.Format)
	assert.Equal(t, []string{"a:1", "b:2"}, config.Output.Kafka.Brokers)
	assert.Equal(t, 3, config.Scanner.Workers)

	assert.Error(t, applyValues(config, map[string]string{"api.port": "eighty"}))
}

func TestApplyValueKnownKeys(t *testing.T) {
	samples := map[string]string{
		"ledger.token_decimals":     "6",
		"ledger.max_message_length": "128",
		"chain.chain_id":            "11155111",
		"output.kafka_brokers":      `["k:9092"]`,
		"api.port":                  "9090",
		"api.replay_cache":          "500",
		"scanner.workers":           "4",
	}
	for _, key := range SystemKeys {
		value, ok := samples[key]
		if !ok {
			value = "x"
		}
		known, err := ApplyValue(GetDefaultConfig(), key, value)
		assert.True(t, known, key)
		assert.NoError(t, err, key)
	}

	known, err := ApplyValue(GetDefaultConfig(), "collector.batch_size", "10")
	assert.False(t, known)
	assert.NoError(t, err)

	config := GetDefaultConfig()
	_, err = ApplyValue(config, "api.replay_cache", "-1")
	require.NoError(t, err)
	assert.Error(t, config.Validate())
}

func TestTableFor(t *testing.T) {
	table, err := tableFor("system")
	assert.NoError(t, err)
	assert.Equal(t, "system_config", table)

	_, err = tableFor("collector")
	assert.Error(t, err)
}
