package validation

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"capsule/internal/errors"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// 解锁时间超过这个范围给出警告
const farFutureSeconds = 100 * 365 * 24 * 3600

var (
	hexHashRegex = regexp.MustCompile("^(0x)?[0-9a-fA-F]{64}$")
	cidRegex     = regexp.MustCompile("^(Qm[1-9A-HJ-NP-Za-km-z]{44}|b[a-z2-7]{58,})$")
)

// Validator 请求参数验证器
type Validator struct {
	logger           *logrus.Logger
	strictMode       bool // 严格模式下警告也视为失败
	maxMessageLength int
	errorHandler     *errors.ErrorHandler
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                   `json:"valid"`
	Errors   []*errors.CapsuleError `json:"errors,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	DataType string                 `json:"data_type"`
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.CapsuleError, 0),
		Warnings: make([]string, 0),
	}
}

func (r *ValidationResult) fail(err *errors.CapsuleError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// Err 第一个错误，验证通过时为nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, maxMessageLength int, strictMode bool) *Validator {
	return &Validator{
		logger:           logger,
		strictMode:       strictMode,
		maxMessageLength: maxMessageLength,
		errorHandler:     errors.NewErrorHandler(logger),
	}
}

// finish 严格模式下把警告升级为错误
func (v *Validator) finish(result *ValidationResult) *ValidationResult {
	if v.strictMode && len(result.Warnings) > 0 {
		for _, w := range result.Warnings {
			result.fail(errors.NewCapsuleError(errors.ErrorTypeValidation, errors.SeverityLow, "STRICT_WARNING", w))
		}
	}
	for _, err := range result.Errors {
		v.errorHandler.HandleError(context.Background(), "validation", err)
	}
	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"data_type": result.DataType,
			"errors":    len(result.Errors),
		}).Debug("请求验证失败")
	}
	return result
}

// ValidateCreate 验证创建请求，now为账本当前时间
func (v *Validator) ValidateCreate(req *models.CreateEscrowRequest, now int64) *ValidationResult {
	result := newResult("create")
	if req == nil {
		result.fail(errors.ErrInvalidAmount.WithContext("reason", "请求为空"))
		return result
	}

	if _, err := parseAmount(req.Amount); err != nil {
		result.fail(err)
	}
	if req.UnlockTime <= now {
		result.fail(errors.ErrInvalidUnlockTime.WithContext("unlock_time", req.UnlockTime).WithContext("now", now))
	} else if req.UnlockTime-now > farFutureSeconds {
		result.Warnings = append(result.Warnings, fmt.Sprintf("解锁时间在100年以后: %d", req.UnlockTime))
	}
	if v.maxMessageLength > 0 && len(req.Message) > v.maxMessageLength {
		result.fail(errors.ErrInvalidMessage.WithContext("length", len(req.Message)).WithContext("max", v.maxMessageLength))
	}
	if req.FileHash != "" && !isKnownFileHash(req.FileHash) {
		result.Warnings = append(result.Warnings, "附件指纹既不是CID也不是32字节哈希")
	}
	return v.finish(result)
}

// ValidateTransfer 验证转移请求
func (v *Validator) ValidateTransfer(req *models.TransferRequest) *ValidationResult {
	result := newResult("transfer")
	if req == nil || !isValidAddress(req.NewOwner) {
		result.fail(errors.ErrInvalidRecipient.WithContext("reason", "地址格式无效"))
		return v.finish(result)
	}
	if common.HexToAddress(req.NewOwner) == (common.Address{}) {
		result.fail(errors.ErrInvalidRecipient.WithContext("reason", "零地址"))
	}
	return v.finish(result)
}

// ValidateRescue 验证取回请求
func (v *Validator) ValidateRescue(req *models.RescueRequest) *ValidationResult {
	result := newResult("rescue")
	if req == nil {
		result.fail(errors.ErrInvalidAmount.WithContext("reason", "请求为空"))
		return result
	}
	if !isValidAddress(req.Token) {
		result.fail(errors.NewCapsuleError(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_TOKEN_ADDRESS", "代币地址格式无效"))
	}
	if _, err := parseAmount(req.Amount); err != nil {
		result.fail(err)
	}
	return v.finish(result)
}

// ValidateAllowance 验证授权请求，额度可以为0
func (v *Validator) ValidateAllowance(req *models.AllowanceRequest) *ValidationResult {
	result := newResult("allowance")
	if req == nil {
		result.fail(errors.ErrInvalidAmount.WithContext("reason", "请求为空"))
		return result
	}
	if _, err := parseAllowance(req.Amount); err != nil {
		result.fail(err)
	}
	return v.finish(result)
}

// ValidateMint 验证增发请求
func (v *Validator) ValidateMint(req *models.MintRequest) *ValidationResult {
	result := newResult("mint")
	if req == nil || !isValidAddress(req.To) || common.HexToAddress(req.To) == (common.Address{}) {
		result.fail(errors.ErrInvalidRecipient.WithContext("reason", "地址格式无效"))
		return v.finish(result)
	}
	if _, err := parseAmount(req.Amount); err != nil {
		result.fail(err)
	}
	return v.finish(result)
}

// ParseAllowance 解析授权额度，允许为0
func ParseAllowance(s string) (*big.Int, error) {
	amount, err := parseAllowance(s)
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func parseAllowance(s string) (*big.Int, *errors.CapsuleError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || amount.Sign() < 0 {
		return nil, errors.ErrInvalidAmount.WithContext("amount", s)
	}
	return amount, nil
}

// ParseAmount 解析最小单位金额，必须为正整数
func ParseAmount(s string) (*big.Int, error) {
	amount, err := parseAmount(s)
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func parseAmount(s string) (*big.Int, *errors.CapsuleError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.ErrInvalidAmount.WithContext("amount", s)
	}
	if amount.Sign() <= 0 {
		return nil, errors.ErrInvalidAmount.WithContext("amount", s)
	}
	return amount, nil
}

// ParseAddress 解析带0x前缀的地址
func ParseAddress(s string) (common.Address, error) {
	if !isValidAddress(s) {
		return common.Address{}, errors.ErrInvalidRecipient.WithContext("address", s)
	}
	return common.HexToAddress(s), nil
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

func isKnownFileHash(h string) bool {
	return hexHashRegex.MatchString(h) || cidRegex.MatchString(h)
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":        v.strictMode,
		"max_message_length": v.maxMessageLength,
		"error_stats":        v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
