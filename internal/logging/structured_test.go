package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewLogger_TextToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "capsule.log")
	logger, err := NewLogger(&LogConfig{Level: "debug", Format: "text", Output: path})
	require.NoError(t, err)

	logger.Debug("写入测试")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "写入测试")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "verbose"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"INFO":    logrus.InfoLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestFieldLoggers(t *testing.T) {
	base := logrus.New()

	ledger := NewLedgerLogger(base, "open", 7)
	assert.Equal(t, "ledger", ledger.Data["component"])
	assert.Equal(t, uint64(7), ledger.Data["capsule_id"])

	noID := NewLedgerLogger(base, "count", 0)
	assert.NotContains(t, noID.Data, "capsule_id")

	bridge := NewBridgeLogger(base, "execute_bridged", 11155111)
	assert.Equal(t, uint64(11155111), bridge.Data["chain_id"])

	rpc := NewRPCLogger(base, "bridge_execute", "http://relay")
	assert.Equal(t, "bridge_execute", rpc.Data["method"])
}
