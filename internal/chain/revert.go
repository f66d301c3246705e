package chain

import (
	"strings"

	"capsule/internal/errors"
)

// 回滚原因关键字到业务错误的映射，按顺序匹配
var revertReasons = []struct {
	keyword string
	err     *errors.CapsuleError
}{
	{"cannot withdraw pyusd", errors.ErrForbiddenToken},
	{"escrow token", errors.ErrForbiddenToken},
	{"caller is not the owner", errors.ErrUnauthorized},
	{"ownableunauthorizedaccount", errors.ErrUnauthorized},
	{"not owner", errors.ErrNotOwner},
	{"not the owner", errors.ErrNotOwner},
	{"already opened", errors.ErrAlreadyOpened},
	{"too early", errors.ErrTooEarly},
	{"still locked", errors.ErrTooEarly},
	{"unlock time", errors.ErrInvalidUnlockTime},
	{"does not exist", errors.ErrNotFound},
	{"invalid capsule", errors.ErrNotFound},
	{"invalid recipient", errors.ErrInvalidRecipient},
	{"zero address", errors.ErrInvalidRecipient},
	{"message too long", errors.ErrInvalidMessage},
	{"amount must be", errors.ErrInvalidAmount},
	{"insufficient allowance", errors.ErrTransferFailed},
	{"insufficient balance", errors.ErrTransferFailed},
	{"exceeds balance", errors.ErrTransferFailed},
	{"exceeds allowance", errors.ErrTransferFailed},
	{"transfer failed", errors.ErrTransferFailed},
	{"reentrant", errors.ErrReentrantCall},
}

// mapRevert 把节点返回的错误转换为业务错误，无法识别的保留为链上调用失败
func mapRevert(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		for _, r := range revertReasons {
			if strings.Contains(msg, r.keyword) {
				return r.err.Wrap(err)
			}
		}
	}
	return errors.ErrChainCallFailed.Wrap(err)
}
