package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"capsule/internal/contracts"
	"capsule/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000CAFE1")
	tokenAddr  = common.HexToAddress("0x0000000000000000000000000000000000005A5D")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
)

// fakeNode 进程内的最小以太坊节点，只应答只读调用
type fakeNode struct {
	mu      sync.Mutex
	escrow  abi.ABI
	token   abi.ABI
	count   uint64
	calls   int
	capsule []interface{}
}

func (n *fakeNode) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(11155111))
}

func (n *fakeNode) GetBlockByNumber(number string, full bool) (*types.Header, error) {
	return &types.Header{
		Number:     big.NewInt(100),
		Time:       1_700_000_000,
		Difficulty: big.NewInt(0),
	}, nil
}

func (n *fakeNode) Call(args map[string]interface{}, block string) (hexutil.Bytes, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++

	raw, _ := args["input"].(string)
	if raw == "" {
		raw, _ = args["data"].(string)
	}
	data, err := hexutil.Decode(raw)
	if err != nil || len(data) < 4 {
		return nil, fmt.Errorf("bad input")
	}
	to := common.HexToAddress(fmt.Sprint(args["to"]))

	if to == tokenAddr {
		method, err := n.token.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(big.NewInt(500))
	}
	method, err := n.escrow.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case contracts.MethodCapsuleCount:
		return method.Outputs.Pack(new(big.Int).SetUint64(n.count))
	case contracts.MethodGetCapsule:
		return method.Outputs.Pack(n.capsule...)
	}
	return nil, fmt.Errorf("execution reverted: unsupported")
}

func newTestClient(t *testing.T, node *fakeNode, key string) *EscrowClient {
	t.Helper()
	node.escrow = contracts.MustCapsuleABI()
	var err error
	node.token, err = contracts.ERC20ABI()
	require.NoError(t, err)

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", node))
	t.Cleanup(srv.Stop)
	cli := ethclient.NewClient(rpc.DialInProc(srv))
	t.Cleanup(cli.Close)

	logger, _ := test.NewNullLogger()
	c, err := NewEscrowClient(context.Background(), cli, Config{
		EscrowContract: escrowAddr.Hex(),
		TokenContract:  tokenAddr.Hex(),
		PrivateKey:     key,
		ChainID:        11155111,
	}, logger)
	require.NoError(t, err)
	return c
}

func TestEscrowClientReads(t *testing.T) {
	node := &fakeNode{
		count:   2,
		capsule: []interface{}{alice, big.NewInt(100), "hi", "QmX", big.NewInt(1_700_000_500), false},
	}
	c := newTestClient(t, node, "")

	now, err := c.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), now)

	count, err := c.TotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	entry, err := c.GetEscrow(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, alice, entry.Owner)
	assert.Equal(t, "100", entry.Amount.String())
	assert.Equal(t, "hi", entry.Message)
	assert.Equal(t, "QmX", entry.FileHash)
	assert.Equal(t, int64(1_700_000_500), entry.UnlockTime)
	assert.False(t, entry.Opened)

	allowance, err := c.Allowance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "500", allowance.String())
}

func TestEscrowClientNotFound(t *testing.T) {
	node := &fakeNode{count: 1}
	c := newTestClient(t, node, "")

	_, err := c.GetEscrow(context.Background(), 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = c.GetEscrow(context.Background(), 2)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEscrowClientReadOnly(t *testing.T) {
	c := newTestClient(t, &fakeNode{}, "")
	assert.Equal(t, common.Address{}, c.Account())

	_, err := c.OpenEscrow(context.Background(), alice, 1)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = c.RescueOtherToken(context.Background(), alice, tokenAddr, big.NewInt(1))
	assert.ErrorIs(t, err, errors.ErrForbiddenToken)
}

func TestEscrowClientSignerMismatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := newTestClient(t, &fakeNode{}, "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), c.Account())
	assert.Equal(t, uint64(11155111), c.ChainID())

	_, err = c.CreateEscrow(context.Background(), alice, big.NewInt(1), "", "", 1)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	_, err = c.TransferOwnership(context.Background(), c.Account(), 1, common.Address{})
	assert.ErrorIs(t, err, errors.ErrInvalidRecipient)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, key.D, parsed.D)

	_, err = ParsePrivateKey(" 0x" + hexKey + " ")
	assert.NoError(t, err)
	_, err = ParsePrivateKey("nope")
	assert.Error(t, err)
}

func TestCreatedIDFromLogs(t *testing.T) {
	c := newTestClient(t, &fakeNode{}, "")
	event := c.escrowABI.Events[contracts.EventCapsuleCreated]

	logs := []*types.Log{
		{Address: tokenAddr, Topics: []common.Hash{event.ID, common.BigToHash(big.NewInt(9))}},
		{Address: escrowAddr, Topics: []common.Hash{event.ID, common.BigToHash(big.NewInt(7)), common.BytesToHash(alice.Bytes())}},
	}
	id, ok := c.createdID(logs)
	require.True(t, ok)
	assert.Equal(t, uint64(7), id)

	_, ok = c.createdID(logs[:1])
	assert.False(t, ok)
}

func TestDecodeCapsuleShape(t *testing.T) {
	_, err := decodeCapsule(1, []interface{}{alice})
	assert.ErrorIs(t, err, errors.ErrSerializationFailed)
}

func TestMapRevert(t *testing.T) {
	tests := []struct {
		msg  string
		want *errors.CapsuleError
	}{
		{"execution reverted: Not owner", errors.ErrNotOwner},
		{"execution reverted: Already opened", errors.ErrAlreadyOpened},
		{"execution reverted: Too early", errors.ErrTooEarly},
		{"execution reverted: Cannot withdraw PYUSD", errors.ErrForbiddenToken},
		{"execution reverted: ERC20: insufficient allowance", errors.ErrTransferFailed},
		{"execution reverted", errors.ErrChainCallFailed},
		{"dial tcp: connection refused", errors.ErrChainCallFailed},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.msg, " ", "_"), func(t *testing.T) {
			assert.ErrorIs(t, mapRevert(fmt.Errorf("%s", tt.msg)), tt.want)
		})
	}
	assert.ErrorIs(t, mapRevert(errors.ErrNotFound), errors.ErrNotFound)
	assert.NoError(t, mapRevert(nil))
}
