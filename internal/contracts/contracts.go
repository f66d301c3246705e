package contracts

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed capsule.abi.json
	capsuleABIJSON string

	//go:embed erc20.abi.json
	erc20ABIJSON string
)

var (
	parseOnce  sync.Once
	capsuleABI abi.ABI
	erc20ABI   abi.ABI
	parseErr   error
)

func parseAll() {
	capsuleABI, parseErr = abi.JSON(strings.NewReader(capsuleABIJSON))
	if parseErr != nil {
		parseErr = fmt.Errorf("解析胶囊合约ABI失败: %w", parseErr)
		return
	}
	erc20ABI, parseErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	if parseErr != nil {
		parseErr = fmt.Errorf("解析ERC20 ABI失败: %w", parseErr)
	}
}

// CapsuleABI 时间胶囊合约ABI
func CapsuleABI() (abi.ABI, error) {
	parseOnce.Do(parseAll)
	return capsuleABI, parseErr
}

// ERC20ABI 代币合约ABI，包含测试网代币的mint
func ERC20ABI() (abi.ABI, error) {
	parseOnce.Do(parseAll)
	return erc20ABI, parseErr
}

// CapsuleABIJSON 原始JSON，跨链调用时交给中继
func CapsuleABIJSON() string {
	return capsuleABIJSON
}

// MustCapsuleABI 用于包初始化和测试
func MustCapsuleABI() abi.ABI {
	parsed, err := CapsuleABI()
	if err != nil {
		panic(err)
	}
	return parsed
}

// 合约方法名
const (
	MethodCreateCapsule     = "createCapsule"
	MethodGetCapsule        = "getCapsule"
	MethodCapsuleCount      = "capsuleCount"
	MethodOpenCapsule       = "openCapsule"
	MethodTransferOwnership = "transferCapsuleOwnership"
	MethodEmergencyWithdraw = "emergencyWithdraw"
	EventCapsuleCreated     = "CapsuleCreated"
)
