package connection

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"capsule/internal/config"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEth 只实现eth_chainId
type fakeEth struct {
	chainID int64
	fail    bool
}

func (f *fakeEth) ChainId() (*hexutil.Big, error) {
	if f.fail {
		return nil, fmt.Errorf("node not ready")
	}
	return (*hexutil.Big)(big.NewInt(f.chainID)), nil
}

func fakeDialer(t *testing.T, nodes map[string]*fakeEth) Dialer {
	servers := make(map[string]*rpc.Server)
	for url, eth := range nodes {
		srv := rpc.NewServer()
		require.NoError(t, srv.RegisterName("eth", eth))
		t.Cleanup(srv.Stop)
		servers[url] = srv
	}
	return func(ctx context.Context, url string) (*ethclient.Client, error) {
		srv, ok := servers[url]
		if !ok {
			return nil, fmt.Errorf("connection refused")
		}
		return ethclient.NewClient(rpc.DialInProc(srv)), nil
	}
}

func TestPoolRoutesByChainAndPriority(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dial := fakeDialer(t, map[string]*fakeEth{
		"inproc://sepolia-a": {chainID: 11155111},
		"inproc://sepolia-b": {chainID: 11155111},
		"inproc://base":      {chainID: 84532},
	})
	pool := NewPool([]*config.NodeConfig{
		{Name: "sepolia-a", URL: "inproc://sepolia-a", ChainID: 11155111, Priority: 1},
		{Name: "sepolia-b", URL: "inproc://sepolia-b", ChainID: 11155111, Priority: 5},
		{Name: "base", URL: "inproc://base", ChainID: 84532, Priority: 1},
		{Name: "down", URL: "inproc://down", ChainID: 11155111, Priority: 9},
	}, logger, WithDialer(dial))
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Close()

	_, name, err := pool.Client(11155111)
	require.NoError(t, err)
	assert.Equal(t, "sepolia-b", name)

	_, name, err = pool.Client(84532)
	require.NoError(t, err)
	assert.Equal(t, "base", name)

	_, _, err = pool.Client(1)
	assert.Error(t, err)

	pool.MarkFailed("sepolia-b")
	_, name, err = pool.Client(11155111)
	require.NoError(t, err)
	assert.Equal(t, "sepolia-a", name)

	pool.CheckHealth(context.Background())
	_, name, err = pool.Client(11155111)
	require.NoError(t, err)
	assert.Equal(t, "sepolia-b", name)

	stats := pool.GetStats()
	assert.Len(t, stats, 4)
	assert.Equal(t, false, stats["down"].(map[string]interface{})["is_healthy"])
}

func TestPoolRejectsWrongChain(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dial := fakeDialer(t, map[string]*fakeEth{"inproc://x": {chainID: 1}})
	pool := NewPool([]*config.NodeConfig{
		{Name: "x", URL: "inproc://x", ChainID: 11155111},
	}, logger, WithDialer(dial))

	assert.Error(t, pool.Initialize(context.Background()))
}

func TestPoolClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dial := fakeDialer(t, map[string]*fakeEth{"inproc://x": {chainID: 5}})
	pool := NewPool([]*config.NodeConfig{{Name: "x", URL: "inproc://x"}}, logger, WithDialer(dial))
	require.NoError(t, pool.Initialize(context.Background()))
	pool.StartHealthCheck(context.Background())

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	_, _, err := pool.Client(5)
	assert.Error(t, err)
}
