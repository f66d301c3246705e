package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowEntry 时间胶囊托管条目
type EscrowEntry struct {
	ID         uint64         `json:"id"`                  // 从1开始连续分配
	Owner      common.Address `json:"owner"`               // 当前所有者
	Amount     *big.Int       `json:"amount"`              // 托管金额(最小单位)
	Message    string         `json:"message"`             // 留言
	FileHash   string         `json:"file_hash,omitempty"` // 附件指纹，不做校验
	UnlockTime int64          `json:"unlock_time"`         // 解锁时间(unix秒)
	Opened     bool           `json:"opened"`              // 是否已提取
	CreatedAt  int64          `json:"created_at"`          // 创建时的链上时间
	OpenedAt   int64          `json:"opened_at,omitempty"` // 提取时的链上时间
}

// IsUnlocked 解锁检查包含边界：unlockTime <= now
func (e *EscrowEntry) IsUnlocked(now int64) bool {
	return e.UnlockTime <= now
}

// CanOpen 已解锁且未提取
func (e *EscrowEntry) CanOpen(now int64) bool {
	return !e.Opened && e.IsUnlocked(now)
}

// Clone 深拷贝
func (e *EscrowEntry) Clone() *EscrowEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Amount != nil {
		c.Amount = new(big.Int).Set(e.Amount)
	}
	return &c
}

// Status 状态字符串
func (e *EscrowEntry) Status(now int64) string {
	switch {
	case e.Opened:
		return "opened"
	case e.IsUnlocked(now):
		return "unlocked"
	default:
		return "locked"
	}
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *EscrowEntry) ToKafkaMessage() map[string]interface{} {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return map[string]interface{}{
		"id":          e.ID,
		"owner":       e.Owner.Hex(),
		"amount":      amount,
		"message":     e.Message,
		"file_hash":   e.FileHash,
		"unlock_time": e.UnlockTime,
		"opened":      e.Opened,
		"created_at":  e.CreatedAt,
		"opened_at":   e.OpenedAt,
	}
}

// OwnerSummary 某个所有者的胶囊统计
type OwnerSummary struct {
	Owner       common.Address `json:"owner"`
	Count       int            `json:"count"`
	TotalAmount *big.Int       `json:"total_amount"`  // 全部胶囊金额
	LockedValue *big.Int       `json:"locked_value"`  // 未提取金额
	Opened      int            `json:"opened"`        // 已提取数量
	Locked      int            `json:"locked"`        // 未到解锁时间数量
	ReadyToOpen int            `json:"ready_to_open"` // 已解锁未提取数量
}

// Summarize 按给定时间统计胶囊
func Summarize(owner common.Address, entries []*EscrowEntry, now int64) *OwnerSummary {
	s := &OwnerSummary{
		Owner:       owner,
		TotalAmount: new(big.Int),
		LockedValue: new(big.Int),
	}
	for _, e := range entries {
		s.Count++
		if e.Amount != nil {
			s.TotalAmount.Add(s.TotalAmount, e.Amount)
		}
		switch {
		case e.Opened:
			s.Opened++
		case e.IsUnlocked(now):
			s.ReadyToOpen++
			if e.Amount != nil {
				s.LockedValue.Add(s.LockedValue, e.Amount)
			}
		default:
			s.Locked++
			if e.Amount != nil {
				s.LockedValue.Add(s.LockedValue, e.Amount)
			}
		}
	}
	return s
}
