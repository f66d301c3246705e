package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// DecodedCall 解码后的合约调用
type DecodedCall struct {
	Selector string                 `json:"selector"`
	Method   string                 `json:"method"`
	Args     map[string]interface{} `json:"args"`
	Known    bool                   `json:"known"` // 是否由已知ABI完整解码
}

// CallDecoder 调用数据解码器
type CallDecoder struct {
	logger    *logrus.Logger
	abis      []abi.ABI
	mu        sync.RWMutex
	cache     map[string]string // 选择器 -> 方法签名
	cacheSize int
}

// 常见方法签名，已知ABI中没有时使用
var commonMethods = map[string]string{
	"0xa9059cbb": "transfer(address,uint256)",
	"0x095ea7b3": "approve(address,uint256)",
	"0x23b872dd": "transferFrom(address,address,uint256)",
	"0x70a08231": "balanceOf(address)",
	"0xdd62ed3e": "allowance(address,address)",
	"0x40c10f19": "mint(address,uint256)",
	"0x8da5cb5b": "owner()",
	"0xf2fde38b": "transferOwnership(address)",
}

// NewCallDecoder 创建解码器，默认加载胶囊合约和ERC20的ABI
func NewCallDecoder(logger *logrus.Logger, cacheSize int) (*CallDecoder, error) {
	capsule, err := CapsuleABI()
	if err != nil {
		return nil, err
	}
	erc20, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &CallDecoder{
		logger:    logger,
		abis:      []abi.ABI{capsule, erc20},
		cache:     make(map[string]string),
		cacheSize: cacheSize,
	}, nil
}

// DecodeHex 解码十六进制调用数据
func (d *CallDecoder) DecodeHex(input string) (*DecodedCall, bool) {
	if !strings.HasPrefix(input, "0x") {
		input = "0x" + input
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		d.logger.Debugf("调用数据不是合法十六进制: %v", err)
		return nil, false
	}
	return d.Decode(data)
}

// Decode 解码调用数据，长度不足4字节返回false
func (d *CallDecoder) Decode(data []byte) (*DecodedCall, bool) {
	if len(data) < 4 {
		return nil, false
	}
	selector := hexutil.Encode(data[:4])

	for _, parsed := range d.abis {
		method, err := parsed.MethodById(data[:4])
		if err != nil {
			continue
		}
		args := make(map[string]interface{})
		if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
			d.logger.Debugf("解码 %s 参数失败: %v", method.Sig, err)
			break
		}
		d.remember(selector, method.Sig)
		return &DecodedCall{Selector: selector, Method: method.Sig, Args: args, Known: true}, true
	}

	return &DecodedCall{
		Selector: selector,
		Method:   d.methodName(selector),
		Args:     decodeWords(data[4:]),
	}, true
}

func (d *CallDecoder) methodName(selector string) string {
	d.mu.RLock()
	name, ok := d.cache[selector]
	d.mu.RUnlock()
	if ok {
		return name
	}
	if name, ok := commonMethods[selector]; ok {
		d.remember(selector, name)
		return name
	}
	return "unknown"
}

func (d *CallDecoder) remember(selector, sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache[selector]; ok {
		return
	}
	if len(d.cache) >= d.cacheSize {
		d.evictCache()
	}
	d.cache[selector] = sig
}

// evictCache 清理一半缓存，调用方持有写锁
func (d *CallDecoder) evictCache() {
	target := d.cacheSize / 2
	for key := range d.cache {
		if len(d.cache) <= target {
			break
		}
		delete(d.cache, key)
	}
	d.logger.Debugf("解码缓存清理完成，剩余 %d 项", len(d.cache))
}

// CacheSize 当前缓存条目数
func (d *CallDecoder) CacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// decodeWords 未知方法按32字节字逐个解析，最多10个
func decodeWords(data []byte) map[string]interface{} {
	params := make(map[string]interface{})
	for i := 0; i < len(data)/32 && i < 10; i++ {
		word := data[i*32 : (i+1)*32]
		key := fmt.Sprintf("param_%d", i)
		if isAddressWord(word) {
			params[key] = common.BytesToAddress(word[12:]).Hex()
			params[key+"_type"] = "address"
			continue
		}
		params[key] = hexutil.Encode(word)
		params[key+"_type"] = "bytes32"
	}
	return params
}

func isAddressWord(word []byte) bool {
	for _, b := range word[:12] {
		if b != 0 {
			return false
		}
	}
	return true
}
