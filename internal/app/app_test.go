package app

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"capsule/internal/config"
	"capsule/internal/errors"
	"capsule/internal/orchestrator"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Ledger.DBPath = filepath.Join(t.TempDir(), "capsule.db")
	cfg.Output.Format = "none"
	return cfg
}

func TestNewLocal(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), testConfig(t), logger, Options{})
	require.NoError(t, err)

	assert.Nil(t, a.Chain)
	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Bridge)
	assert.Equal(t, a.Local, a.Backend())
	assert.Equal(t, uint64(11155111), a.ChainID())

	ctx := context.Background()
	_, err = a.Backend().Mint(ctx, alice, big.NewInt(5_000_000))
	require.NoError(t, err)

	session := a.NewSession()
	require.NoError(t, session.Connect(ctx, orchestrator.StaticWallet{Address: alice, Chain: a.ChainID()}))
	now, err := a.Backend().Now(ctx)
	require.NoError(t, err)

	receipt, err := session.CreateEscrow(ctx, "1.5", "hi", "", now+60)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.EscrowID)

	entry, err := session.GetEscrow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "1500000", entry.Amount.String())

	// 未配置中继
	_, err = session.WithdrawCrossChain(ctx, 1, 84532)
	assert.ErrorIs(t, err, errors.ErrSdkNotInitialized)

	require.NoError(t, a.Close())
	assert.True(t, a.Shutdown.IsShuttingDown())
}

func TestNewWithBridge(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Bridge.RelayURL = "http://127.0.0.1:1"
	cfg.Bridge.IntentPolicy = "deny"

	a, err := New(context.Background(), cfg, logger, Options{})
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Bridge)
}

func TestNewRejectsBadPolicy(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig(t)
	cfg.Bridge.RelayURL = "http://127.0.0.1:1"
	cfg.Bridge.AllowancePolicy = "sometimes"

	a, err := New(context.Background(), cfg, logger, Options{})
	assert.Error(t, err)
	assert.Nil(t, a)
}
