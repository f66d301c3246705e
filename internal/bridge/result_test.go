package bridge

import (
	"context"
	"strings"
	"testing"

	"capsule/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txHash = "0x" + strings.Repeat("1f", 32)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  RawResult
		err  error
		want Result
	}{
		{"execute hash", RawResult{"executeTransactionHash": txHash}, nil, Success{}},
		{"transaction hash", RawResult{"transactionHash": txHash}, nil, Success{}},
		{"tx hash", RawResult{"txHash": txHash}, nil, Success{}},
		{"plain hash", RawResult{"hash": txHash}, nil, Success{}},
		{"nested execute result", RawResult{"executeResult": map[string]interface{}{"transactionHash": txHash}}, nil, Success{}},
		{"nested result", RawResult{"result": RawResult{"hash": txHash}}, nil, Success{}},
		{"no hash", RawResult{"success": true}, nil, SuccessUnknownHash{}},
		{"malformed hash", RawResult{"hash": "0x1234"}, nil, SuccessUnknownHash{}},
		{"nil", nil, nil, SuccessUnknownHash{}},
		{"explicit failure", RawResult{"success": false, "error": "slippage"}, nil, Failure{}},
		{"error object", RawResult{"error": map[string]interface{}{"message": "reverted"}}, nil, Failure{}},
		{"transport error", nil, assert.AnError, Failure{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw, tt.err)
			assert.IsType(t, tt.want, got)
			if s, ok := got.(Success); ok {
				assert.Equal(t, txHash, s.TxHash.Hex())
			}
		})
	}
}

func TestNormalizePrefersExecuteHash(t *testing.T) {
	other := "0x" + strings.Repeat("22", 32)
	got := Normalize(RawResult{"transactionHash": other, "executeTransactionHash": txHash}, nil)
	require.IsType(t, Success{}, got)
	h, ok := got.Hash()
	assert.True(t, ok)
	assert.Equal(t, txHash, h.Hex())
}

func TestFailureReason(t *testing.T) {
	got := Normalize(RawResult{"success": false}, nil)
	require.IsType(t, Failure{}, got)
	assert.NotEmpty(t, got.(Failure).Reason)
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset("usdc")
	require.NoError(t, err)
	assert.Equal(t, AssetUSDC, a)
	assert.Equal(t, 6, a.Decimals())
	assert.True(t, a.IsERC20())

	a, err = ParseAsset("ETH")
	require.NoError(t, err)
	assert.Equal(t, 18, a.Decimals())
	assert.False(t, a.IsERC20())

	_, err = ParseAsset("DOGE")
	assert.ErrorIs(t, err, errors.ErrUnsupportedToken)

	_, err = ParseAsset("PYUSD")
	assert.ErrorIs(t, err, errors.ErrUnsupportedToken)
	assert.False(t, AssetEscrowToken.Bridgeable())
	assert.False(t, AssetEscrowToken.SupportedOn(ChainSepolia))
}

func TestAssetChains(t *testing.T) {
	assert.True(t, AssetUSDC.SupportedOn(ChainBaseSepolia))
	assert.False(t, AssetUSDT.SupportedOn(ChainBaseSepolia))
	assert.False(t, AssetUSDC.SupportedOn(1))
	assert.Equal(t, "sepolia", ChainName(ChainSepolia))
	assert.Equal(t, "unknown", ChainName(1))
}

func TestPolicies(t *testing.T) {
	ctx := context.Background()
	intent := &Intent{ID: "i"}
	req := &AllowanceRequest{IntentID: "i"}

	ok, err := AutoApprove{}.ApproveIntent(ctx, intent)
	assert.True(t, ok)
	assert.NoError(t, err)
	sel, err := AutoApprove{}.SelectAllowances(ctx, req)
	assert.NoError(t, err)
	assert.Equal(t, []string{"min"}, sel)

	ok, _ = Deny{}.ApproveIntent(ctx, intent)
	assert.False(t, ok)

	ok, _ = PromptUser{}.ApproveIntent(ctx, intent)
	assert.False(t, ok)

	assert.ErrorIs(t, decideIntent(ctx, Deny{}, intent), errors.ErrIntentRejected)
	_, err = decideAllowance(ctx, Deny{}, req)
	assert.ErrorIs(t, err, errors.ErrIntentRejected)
	assert.NoError(t, decideIntent(ctx, AutoApprove{}, intent))

	p, err := PolicyFromString("deny", PromptUser{})
	require.NoError(t, err)
	assert.IsType(t, Deny{}, p)
	p, err = PolicyFromString("", PromptUser{})
	require.NoError(t, err)
	assert.IsType(t, AutoApprove{}, p)
	_, err = PolicyFromString("maybe", PromptUser{})
	assert.Error(t, err)
}
