package models

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestEscrowEntry_IsUnlockedInclusive(t *testing.T) {
	e := &EscrowEntry{UnlockTime: 1000}

	assert.False(t, e.IsUnlocked(999))
	assert.True(t, e.IsUnlocked(1000))
	assert.True(t, e.IsUnlocked(1001))
	assert.Equal(t, "locked", e.Status(999))
	assert.Equal(t, "unlocked", e.Status(1000))

	e.Opened = true
	assert.False(t, e.CanOpen(2000))
	assert.Equal(t, "opened", e.Status(2000))
}

func TestEscrowEntry_CloneIsDeep(t *testing.T) {
	e := &EscrowEntry{ID: 1, Amount: big.NewInt(100)}
	c := e.Clone()
	c.Amount.SetInt64(5)

	assert.Equal(t, int64(100), e.Amount.Int64())
	assert.Nil(t, (*EscrowEntry)(nil).Clone())
}

func TestSummarize(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	entries := []*EscrowEntry{
		{ID: 1, Amount: big.NewInt(10), UnlockTime: 50},
		{ID: 2, Amount: big.NewInt(20), UnlockTime: 200},
		{ID: 3, Amount: big.NewInt(30), UnlockTime: 50, Opened: true},
	}

	s := Summarize(owner, entries, 100)

	assert.Equal(t, 3, s.Count)
	assert.Equal(t, "60", s.TotalAmount.String())
	assert.Equal(t, "30", s.LockedValue.String())
	assert.Equal(t, 1, s.Opened)
	assert.Equal(t, 1, s.Locked)
	assert.Equal(t, 1, s.ReadyToOpen)
}

func TestLedgerEvent_ToKafkaMessage(t *testing.T) {
	actor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	ev := NewLedgerEvent(EventEscrowCreated, actor, 42)
	ev.EscrowID = 9
	ev.Amount = big.NewInt(100)

	msg := ev.ToKafkaMessage()

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "escrow_created", msg["type"])
	assert.Equal(t, uint64(9), msg["escrow_id"])
	assert.Equal(t, "100", msg["amount"])
	assert.NotContains(t, msg, "token")
	assert.Equal(t, "9", ev.Key())
}
