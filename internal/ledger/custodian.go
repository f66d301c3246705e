package ledger

import (
	"context"
	"math/big"
	"time"

	"capsule/internal/errors"
	"capsule/internal/store"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// RescueOtherToken 管理员取回误转入账本的其他代币，托管代币一律禁止
func (l *Ledger) RescueOtherToken(ctx context.Context, caller, token common.Address, amount *big.Int) (err error) {
	started := time.Now()
	defer func() { err = l.finish(ctx, "rescue", started, err) }()

	ctx, err = l.enterWrite(ctx)
	if err != nil {
		return err
	}

	if token == l.cfg.EscrowToken {
		return errors.ErrForbiddenToken.WithContext("token", token.Hex())
	}
	if l.cfg.Admin == (common.Address{}) || caller != l.cfg.Admin {
		return errors.ErrUnauthorized.WithContext("caller", caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return errors.ErrInvalidAmount
	}

	err = l.store.Update(func(tx *store.Tx) error {
		if err := l.mover.Transfer(ctx, tx, token, l.cfg.Address, l.cfg.Admin, amount); err != nil {
			return errors.ErrTransferFailed.WithContext("token", token.Hex()).Wrap(err)
		}
		return nil
	})
	if err != nil {
		return storageErr(err)
	}

	l.logger.WithFields(logrus.Fields{
		"component": "custodian",
		"token":     token.Hex(),
		"amount":    amount.String(),
		"admin":     l.cfg.Admin.Hex(),
	}).Warn("已取回非托管代币")

	event := models.NewLedgerEvent(models.EventTokenRescued, caller, l.clock.Now())
	event.Token = token
	event.Amount = new(big.Int).Set(amount)
	event.Owner = l.cfg.Admin
	l.publisher.Publish(event)
	return nil
}
