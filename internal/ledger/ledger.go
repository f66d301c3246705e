package ledger

import (
	"context"
	"math/big"
	"time"

	"capsule/internal/errors"
	"capsule/internal/events"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/store"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultMaxMessageLength 留言最大字节数
const DefaultMaxMessageLength = 1024

// TokenMover 代币转移能力，操作在账本事务内执行
type TokenMover interface {
	BalanceOf(tx *store.Tx, token, holder common.Address) *big.Int
	Transfer(ctx context.Context, tx *store.Tx, token, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, tx *store.Tx, token, spender, from, to common.Address, amount *big.Int) error
	// Busy 代币回调正在执行，外层写事务仍持有存储写锁
	Busy() bool
}

// Config 账本参数
type Config struct {
	Address          common.Address // 托管地址，同时作为transferFrom的spender
	EscrowToken      common.Address
	Admin            common.Address
	MaxMessageLength int
}

// Ledger 时间锁托管账本
type Ledger struct {
	cfg       Config
	store     *store.Store
	mover     TokenMover
	clock     Clock
	publisher *events.Publisher
	metrics   *metrics.Metrics
	errs      *errors.ErrorHandler
	logger    *logrus.Logger
}

// Option 账本可选项
type Option func(*Ledger)

// WithClock 指定时钟
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithPublisher 指定事件发布器
func WithPublisher(p *events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics 指定指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithErrorHandler 指定错误处理器
func WithErrorHandler(h *errors.ErrorHandler) Option {
	return func(l *Ledger) { l.errs = h }
}

// New 创建账本
func New(cfg Config, s *store.Store, mover TokenMover, logger *logrus.Logger, opts ...Option) *Ledger {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	l := &Ledger{
		cfg:    cfg,
		store:  s,
		mover:  mover,
		clock:  SystemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Address 托管地址
func (l *Ledger) Address() common.Address { return l.cfg.Address }

// EscrowToken 托管代币
func (l *Ledger) EscrowToken() common.Address { return l.cfg.EscrowToken }

// Admin 管理员地址
func (l *Ledger) Admin() common.Address { return l.cfg.Admin }

// Now 账本当前时间
func (l *Ledger) Now() int64 { return l.clock.Now() }

type guardKey struct{}

// enter 标记进入账本调用，代币回调中再次进入即拒绝
func enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(guardKey{}) != nil {
		return ctx, errors.ErrReentrantCall
	}
	return context.WithValue(ctx, guardKey{}, struct{}{}), nil
}

// enterWrite 写操作入口，代币回调中换了ctx的调用同样拒绝
func (l *Ledger) enterWrite(ctx context.Context) (context.Context, error) {
	ctx, err := enter(ctx)
	if err != nil {
		return ctx, err
	}
	if l.mover.Busy() {
		return ctx, errors.ErrReentrantCall.Withf("代币回调执行中")
	}
	return ctx, nil
}

// finish 记录指标并交给错误处理器
func (l *Ledger) finish(ctx context.Context, op string, started time.Time, err error) error {
	l.metrics.ObserveLedger(op, errors.CodeOf(err), started)
	if err != nil && l.errs != nil {
		l.errs.HandleError(ctx, "ledger", err)
	}
	return err
}

// storageErr 非业务错误统一包装为存储错误
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.ErrStorageFailed.Wrap(err)
}

// CreateEscrow 锁定amount并创建胶囊，返回新编号
func (l *Ledger) CreateEscrow(ctx context.Context, caller common.Address, amount *big.Int, message, fileHash string, unlockTime int64) (id uint64, err error) {
	started := time.Now()
	defer func() { err = l.finish(ctx, "create", started, err) }()

	ctx, err = l.enterWrite(ctx)
	if err != nil {
		return 0, err
	}

	if amount == nil || amount.Sign() <= 0 {
		return 0, errors.ErrInvalidAmount
	}
	now := l.clock.Now()
	if unlockTime <= now {
		return 0, errors.ErrInvalidUnlockTime.WithContext("unlock_time", unlockTime).WithContext("now", now)
	}
	if len(message) > l.cfg.MaxMessageLength {
		return 0, errors.ErrInvalidMessage.WithContext("length", len(message))
	}

	var entry *models.EscrowEntry
	err = l.store.Update(func(tx *store.Tx) error {
		if err := l.mover.TransferFrom(ctx, tx, l.cfg.EscrowToken, l.cfg.Address, caller, l.cfg.Address, amount); err != nil {
			return errors.ErrTransferFailed.Wrap(err)
		}

		nextID, err := tx.NextID()
		if err != nil {
			return err
		}
		entry = &models.EscrowEntry{
			ID:         nextID,
			Owner:      caller,
			Amount:     new(big.Int).Set(amount),
			Message:    message,
			FileHash:   fileHash,
			UnlockTime: unlockTime,
			CreatedAt:  now,
		}
		if err := tx.PutEntry(entry); err != nil {
			return err
		}
		return tx.IndexOwner(caller, nextID)
	})
	if err != nil {
		return 0, storageErr(err)
	}

	logging.NewLedgerLogger(l.logger, "create", entry.ID).WithFields(logrus.Fields{
		"owner":       caller.Hex(),
		"amount":      amount.String(),
		"unlock_time": unlockTime,
	}).Info("胶囊已创建")

	event := models.NewLedgerEvent(models.EventEscrowCreated, caller, now)
	event.EscrowID = entry.ID
	event.Owner = caller
	event.Token = l.cfg.EscrowToken
	event.Amount = new(big.Int).Set(amount)
	event.UnlockTime = unlockTime
	l.publisher.Publish(event)

	return entry.ID, nil
}

// loadEntry 读取胶囊，编号不在[1,count]内返回NotFound
func loadEntry(tx *store.Tx, id uint64) (*models.EscrowEntry, error) {
	if id == 0 || id > tx.Count() {
		return nil, errors.ErrNotFound.WithEscrowID(id)
	}
	entry, err := tx.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.ErrNotFound.WithEscrowID(id)
	}
	return entry, nil
}

// GetEscrow 查询胶囊
func (l *Ledger) GetEscrow(ctx context.Context, id uint64) (entry *models.EscrowEntry, err error) {
	if _, err := enter(ctx); err != nil {
		return nil, err
	}
	err = l.store.View(func(tx *store.Tx) error {
		entry, err = loadEntry(tx, id)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return entry, nil
}

// TotalCount 已创建的胶囊数量
func (l *Ledger) TotalCount(ctx context.Context) (count uint64, err error) {
	if _, err := enter(ctx); err != nil {
		return 0, err
	}
	err = l.store.View(func(tx *store.Tx) error {
		count = tx.Count()
		return nil
	})
	return count, storageErr(err)
}

// TransferOwnership 转让未提取的胶囊，解锁后仍可转让
func (l *Ledger) TransferOwnership(ctx context.Context, caller common.Address, id uint64, newOwner common.Address) (err error) {
	started := time.Now()
	defer func() { err = l.finish(ctx, "transfer", started, err) }()

	ctx, err = l.enterWrite(ctx)
	if err != nil {
		return err
	}
	now := l.clock.Now()
	err = l.store.Update(func(tx *store.Tx) error {
		entry, err := loadEntry(tx, id)
		if err != nil {
			return err
		}
		if entry.Owner != caller {
			return errors.ErrNotOwner.WithEscrowID(id)
		}
		if entry.Opened {
			return errors.ErrAlreadyOpened.WithEscrowID(id)
		}
		if newOwner == (common.Address{}) {
			return errors.ErrInvalidRecipient.WithEscrowID(id)
		}

		if err := tx.UnindexOwner(entry.Owner, id); err != nil {
			return err
		}
		entry.Owner = newOwner
		if err := tx.PutEntry(entry); err != nil {
			return err
		}
		return tx.IndexOwner(newOwner, id)
	})
	if err != nil {
		return storageErr(err)
	}

	logging.NewLedgerLogger(l.logger, "transfer", id).WithFields(logrus.Fields{
		"from": caller.Hex(),
		"to":   newOwner.Hex(),
	}).Info("胶囊所有权已转让")

	event := models.NewLedgerEvent(models.EventOwnershipTransferred, caller, now)
	event.EscrowID = id
	event.PrevOwner = caller
	event.Owner = newOwner
	l.publisher.Publish(event)
	return nil
}

// OpenEscrow 解锁后由所有者提取，先标记已提取再转出代币，转账失败整体回滚
func (l *Ledger) OpenEscrow(ctx context.Context, caller common.Address, id uint64) (amount *big.Int, err error) {
	started := time.Now()
	defer func() { err = l.finish(ctx, "open", started, err) }()

	ctx, err = l.enterWrite(ctx)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	err = l.store.Update(func(tx *store.Tx) error {
		entry, err := loadEntry(tx, id)
		if err != nil {
			return err
		}
		if entry.Owner != caller {
			return errors.ErrNotOwner.WithEscrowID(id)
		}
		if entry.Opened {
			return errors.ErrAlreadyOpened.WithEscrowID(id)
		}
		if !entry.IsUnlocked(now) {
			return errors.ErrTooEarly.WithEscrowID(id).WithContext("unlock_time", entry.UnlockTime).WithContext("now", now)
		}

		entry.Opened = true
		entry.OpenedAt = now
		if err := tx.PutEntry(entry); err != nil {
			return err
		}

		if err := l.mover.Transfer(ctx, tx, l.cfg.EscrowToken, l.cfg.Address, entry.Owner, entry.Amount); err != nil {
			return errors.ErrTransferFailed.WithEscrowID(id).Wrap(err)
		}
		amount = new(big.Int).Set(entry.Amount)
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	logging.NewLedgerLogger(l.logger, "open", id).WithFields(logrus.Fields{
		"owner":  caller.Hex(),
		"amount": amount.String(),
	}).Info("胶囊已提取")

	event := models.NewLedgerEvent(models.EventEscrowOpened, caller, now)
	event.EscrowID = id
	event.Owner = caller
	event.Token = l.cfg.EscrowToken
	event.Amount = new(big.Int).Set(amount)
	l.publisher.Publish(event)
	return amount, nil
}

// ListByOwner 通过所有者索引返回胶囊，按编号升序
func (l *Ledger) ListByOwner(ctx context.Context, owner common.Address) (entries []*models.EscrowEntry, err error) {
	if _, err := enter(ctx); err != nil {
		return nil, err
	}
	err = l.store.View(func(tx *store.Tx) error {
		ids := tx.OwnerIDs(owner)
		entries = make([]*models.EscrowEntry, 0, len(ids))
		for _, id := range ids {
			entry, err := loadEntry(tx, id)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// ScanByOwner 全量线性扫描，结果应与ListByOwner一致
func (l *Ledger) ScanByOwner(ctx context.Context, owner common.Address) (entries []*models.EscrowEntry, err error) {
	if _, err := enter(ctx); err != nil {
		return nil, err
	}
	entries = make([]*models.EscrowEntry, 0)
	err = l.store.View(func(tx *store.Tx) error {
		return tx.ForEachEntry(func(entry *models.EscrowEntry) error {
			if entry.Owner == owner {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// CustodyReport 托管对账结果
type CustodyReport struct {
	Balance *big.Int `json:"balance"` // 账本持有的托管代币
	Locked  *big.Int `json:"locked"`  // 未提取胶囊金额之和
	Count   uint64   `json:"count"`
	Open    uint64   `json:"open"` // 未提取的胶囊数量
}

// Solvent 托管余额不少于未提取金额
func (r *CustodyReport) Solvent() bool {
	return r.Balance.Cmp(r.Locked) >= 0
}

// Custody 对账：托管余额与未提取金额之和
func (l *Ledger) Custody(ctx context.Context) (report *CustodyReport, err error) {
	if _, err := enter(ctx); err != nil {
		return nil, err
	}
	report = &CustodyReport{Locked: new(big.Int)}
	err = l.store.View(func(tx *store.Tx) error {
		report.Balance = l.mover.BalanceOf(tx, l.cfg.EscrowToken, l.cfg.Address)
		report.Count = tx.Count()
		return tx.ForEachEntry(func(entry *models.EscrowEntry) error {
			if !entry.Opened {
				report.Locked.Add(report.Locked, entry.Amount)
				report.Open++
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err)
	}

	locked, _ := new(big.Float).SetInt(report.Locked).Float64()
	l.metrics.SetCustody(locked, report.Count)
	if !report.Solvent() {
		l.logger.WithFields(logrus.Fields{
			"balance": report.Balance.String(),
			"locked":  report.Locked.String(),
		}).Error("托管余额低于未提取金额")
	}
	return report, nil
}
