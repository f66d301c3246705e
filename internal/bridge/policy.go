package bridge

import (
	"context"
	"fmt"
	"math/big"

	"capsule/internal/errors"
)

// Intent 跨链计划，由底层执行器在提交前给出
type Intent struct {
	ID          string   `json:"id"`
	Token       string   `json:"token"`
	Amount      *big.Int `json:"amount"`
	SourceChain uint64   `json:"sourceChainId"`
	DestChain   uint64   `json:"destinationChainId"`
	Fees        *big.Int `json:"fees,omitempty"`
}

// AllowanceSource 需要授权的来源链
type AllowanceSource struct {
	ChainID  uint64   `json:"chainId"`
	Token    string   `json:"token"`
	Required *big.Int `json:"required"`
	Current  *big.Int `json:"current"`
}

// AllowanceRequest 授权请求
type AllowanceRequest struct {
	IntentID string            `json:"intentId"`
	Sources  []AllowanceSource `json:"sources"`
}

// MinimalAllowance 仅授权所需最小额度
var MinimalAllowance = []string{"min"}

// IntentPolicy 审批跨链计划
type IntentPolicy interface {
	ApproveIntent(ctx context.Context, intent *Intent) (bool, error)
}

// AllowancePolicy 选择授权方案，返回空表示拒绝
type AllowancePolicy interface {
	SelectAllowances(ctx context.Context, req *AllowanceRequest) ([]string, error)
}

// AutoApprove 自动批准，授权只取最小额度
type AutoApprove struct{}

// ApproveIntent 总是批准
func (AutoApprove) ApproveIntent(context.Context, *Intent) (bool, error) { return true, nil }

// SelectAllowances 最小额度
func (AutoApprove) SelectAllowances(context.Context, *AllowanceRequest) ([]string, error) {
	return append([]string(nil), MinimalAllowance...), nil
}

// Deny 一律拒绝
type Deny struct{}

// ApproveIntent 总是拒绝
func (Deny) ApproveIntent(context.Context, *Intent) (bool, error) { return false, nil }

// SelectAllowances 不授权
func (Deny) SelectAllowances(context.Context, *AllowanceRequest) ([]string, error) { return nil, nil }

// PromptUser 交由调用方确认
type PromptUser struct {
	Intent    func(ctx context.Context, intent *Intent) (bool, error)
	Allowance func(ctx context.Context, req *AllowanceRequest) ([]string, error)
}

// ApproveIntent 询问调用方，未提供回调视为拒绝
func (p PromptUser) ApproveIntent(ctx context.Context, intent *Intent) (bool, error) {
	if p.Intent == nil {
		return false, nil
	}
	return p.Intent(ctx, intent)
}

// SelectAllowances 询问调用方
func (p PromptUser) SelectAllowances(ctx context.Context, req *AllowanceRequest) ([]string, error) {
	if p.Allowance == nil {
		return nil, nil
	}
	return p.Allowance(ctx, req)
}

// Policy 同时实现两种审批
type Policy interface {
	IntentPolicy
	AllowancePolicy
}

// PolicyFromString 按配置名称构造策略，prompt需要调用方提供回调
func PolicyFromString(name string, prompt PromptUser) (Policy, error) {
	switch name {
	case "", "auto":
		return AutoApprove{}, nil
	case "deny":
		return Deny{}, nil
	case "prompt":
		return prompt, nil
	default:
		return nil, fmt.Errorf("未知的跨链审批策略: %s", name)
	}
}

// decideIntent 执行意图策略，拒绝时返回IntentRejected
func decideIntent(ctx context.Context, policy IntentPolicy, intent *Intent) error {
	ok, err := policy.ApproveIntent(ctx, intent)
	if err != nil {
		return errors.ErrIntentRejected.Wrap(err)
	}
	if !ok {
		return errors.ErrIntentRejected.WithContext("intent_id", intent.ID)
	}
	return nil
}

// decideAllowance 执行授权策略，空选择视为拒绝
func decideAllowance(ctx context.Context, policy AllowancePolicy, req *AllowanceRequest) ([]string, error) {
	selection, err := policy.SelectAllowances(ctx, req)
	if err != nil {
		return nil, errors.ErrIntentRejected.Wrap(err)
	}
	if len(selection) == 0 {
		return nil, errors.ErrIntentRejected.Withf("授权请求被拒绝").WithContext("intent_id", req.IntentID)
	}
	return selection, nil
}
