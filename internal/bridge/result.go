package bridge

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RawResult 底层执行器返回的原始结果
type RawResult map[string]interface{}

// Result 跨链执行结果
type Result interface {
	// Hash 交易哈希，未知时ok为false
	Hash() (common.Hash, bool)
	isResult()
}

// Success 已提交且拿到交易哈希
type Success struct {
	TxHash common.Hash
}

// SuccessUnknownHash 已提交但结果中没有交易哈希
type SuccessUnknownHash struct{}

// Failure 远端拒绝
type Failure struct {
	Reason string
}

func (s Success) Hash() (common.Hash, bool)         { return s.TxHash, true }
func (SuccessUnknownHash) Hash() (common.Hash, bool) { return common.Hash{}, false }
func (Failure) Hash() (common.Hash, bool)            { return common.Hash{}, false }

func (Success) isResult()            {}
func (SuccessUnknownHash) isResult() {}
func (Failure) isResult()            {}

// hashKeys 按优先级查找的哈希字段
var hashKeys = []string{"executeTransactionHash", "transactionHash", "txHash", "hash"}

// nestedKeys 可能嵌套结果的字段
var nestedKeys = []string{"executeResult", "result"}

// Normalize 将原始结果转换为Success、SuccessUnknownHash或Failure
func Normalize(raw RawResult, err error) Result {
	if err != nil {
		return Failure{Reason: err.Error()}
	}
	if raw == nil {
		return SuccessUnknownHash{}
	}
	if reason, failed := failureReason(raw); failed {
		return Failure{Reason: reason}
	}
	if hash, ok := findHash(raw, 0); ok {
		return Success{TxHash: hash}
	}
	return SuccessUnknownHash{}
}

func failureReason(raw map[string]interface{}) (string, bool) {
	if ok, exists := raw["success"].(bool); exists && !ok {
		if msg, _ := raw["error"].(string); msg != "" {
			return msg, true
		}
		return "执行失败", true
	}
	switch e := raw["error"].(type) {
	case string:
		if e != "" {
			return e, true
		}
	case map[string]interface{}:
		if msg, _ := e["message"].(string); msg != "" {
			return msg, true
		}
		return fmt.Sprint(e), true
	}
	return "", false
}

func findHash(raw map[string]interface{}, depth int) (common.Hash, bool) {
	for _, key := range hashKeys {
		if s, ok := raw[key].(string); ok && isTxHash(s) {
			return common.HexToHash(s), true
		}
	}
	if depth > 0 {
		return common.Hash{}, false
	}
	for _, key := range nestedKeys {
		if nested, ok := raw[key].(map[string]interface{}); ok {
			if h, ok := findHash(nested, depth+1); ok {
				return h, true
			}
		}
		if nested, ok := raw[key].(RawResult); ok {
			if h, ok := findHash(nested, depth+1); ok {
				return h, true
			}
		}
	}
	return common.Hash{}, false
}

func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return len(s) == 2+2*common.HashLength
}
