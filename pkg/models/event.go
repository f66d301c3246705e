package models

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType 账本事件类型
type EventType string

const (
	EventEscrowCreated        EventType = "escrow_created"
	EventOwnershipTransferred EventType = "ownership_transferred"
	EventEscrowOpened         EventType = "escrow_opened"
	EventTokenRescued         EventType = "token_rescued"
)

// LedgerEvent 账本事件，提交成功后输出
type LedgerEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EscrowID   uint64         `json:"escrow_id,omitempty"`
	Actor      common.Address `json:"actor"`
	Owner      common.Address `json:"owner,omitempty"`
	PrevOwner  common.Address `json:"prev_owner,omitempty"`
	Token      common.Address `json:"token,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	UnlockTime int64          `json:"unlock_time,omitempty"`
	ChainTime  int64          `json:"chain_time"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewLedgerEvent 创建账本事件
func NewLedgerEvent(eventType EventType, actor common.Address, chainTime int64) *LedgerEvent {
	return &LedgerEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Actor:     actor,
		ChainTime: chainTime,
		Timestamp: time.Now(),
	}
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *LedgerEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":         e.ID,
		"type":       string(e.Type),
		"actor":      e.Actor.Hex(),
		"chain_time": e.ChainTime,
		"timestamp":  e.Timestamp.Unix(),
	}
	if e.EscrowID != 0 {
		msg["escrow_id"] = e.EscrowID
	}
	if e.Owner != (common.Address{}) {
		msg["owner"] = e.Owner.Hex()
	}
	if e.PrevOwner != (common.Address{}) {
		msg["prev_owner"] = e.PrevOwner.Hex()
	}
	if e.Token != (common.Address{}) {
		msg["token"] = e.Token.Hex()
	}
	if e.Amount != nil {
		msg["amount"] = e.Amount.String()
	}
	if e.UnlockTime != 0 {
		msg["unlock_time"] = e.UnlockTime
	}
	return msg
}

// Key Kafka分区键，同一胶囊的事件落在同一分区
func (e *LedgerEvent) Key() string {
	if e.EscrowID != 0 {
		return strconv.FormatUint(e.EscrowID, 10)
	}
	return e.ID
}
