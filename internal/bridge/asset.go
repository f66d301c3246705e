package bridge

import (
	"strings"

	"capsule/internal/errors"
)

// Asset 跨链可用资产，封闭枚举
type Asset int

const (
	AssetEscrowToken Asset = iota // 托管代币，只存在于账本所在链
	AssetUSDC
	AssetUSDT
	AssetNativeGas
)

// 测试网链编号
const (
	ChainSepolia         uint64 = 11155111
	ChainBaseSepolia     uint64 = 84532
	ChainArbitrumSepolia uint64 = 421614
	ChainOptimismSepolia uint64 = 11155420
	ChainPolygonAmoy     uint64 = 80002
)

var bridgeChains = map[uint64]string{
	ChainSepolia:         "sepolia",
	ChainBaseSepolia:     "base-sepolia",
	ChainArbitrumSepolia: "arbitrum-sepolia",
	ChainOptimismSepolia: "optimism-sepolia",
	ChainPolygonAmoy:     "polygon-amoy",
}

// Symbol 代币符号
func (a Asset) Symbol() string {
	switch a {
	case AssetEscrowToken:
		return "PYUSD"
	case AssetUSDC:
		return "USDC"
	case AssetUSDT:
		return "USDT"
	case AssetNativeGas:
		return "ETH"
	}
	return "UNKNOWN"
}

func (a Asset) String() string { return a.Symbol() }

// Decimals 精度
func (a Asset) Decimals() int {
	switch a {
	case AssetEscrowToken, AssetUSDC, AssetUSDT:
		return 6
	case AssetNativeGas:
		return 18
	}
	return 0
}

// Bridgeable 是否可以跨链
func (a Asset) Bridgeable() bool {
	switch a {
	case AssetUSDC, AssetUSDT, AssetNativeGas:
		return true
	}
	return false
}

// IsERC20 跨链前需要检查授权
func (a Asset) IsERC20() bool {
	return a == AssetUSDC || a == AssetUSDT
}

// SupportedOn 资产能否跨到目标链
func (a Asset) SupportedOn(chainID uint64) bool {
	if !a.Bridgeable() {
		return false
	}
	if a == AssetUSDT && chainID == ChainBaseSepolia {
		return false
	}
	_, ok := bridgeChains[chainID]
	return ok
}

// ChainName 链名称
func ChainName(chainID uint64) string {
	if name, ok := bridgeChains[chainID]; ok {
		return name
	}
	return "unknown"
}

// ParseAsset 解析跨链资产符号，托管代币与未知符号都不可跨链
func ParseAsset(symbol string) (Asset, error) {
	var asset Asset
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "USDC":
		asset = AssetUSDC
	case "USDT":
		asset = AssetUSDT
	case "ETH":
		asset = AssetNativeGas
	case "PYUSD":
		asset = AssetEscrowToken
	default:
		return 0, errors.ErrUnsupportedToken.WithContext("symbol", symbol)
	}
	if !asset.Bridgeable() {
		return 0, errors.ErrUnsupportedToken.WithContext("symbol", symbol)
	}
	return asset, nil
}
