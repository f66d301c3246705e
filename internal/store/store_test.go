package store

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesBuckets(t *testing.T) {
	s := openTestStore(t)

	err := s.View(func(tx *Tx) error {
		for _, name := range allBuckets {
			assert.NotNil(t, tx.bucket(name), name)
		}
		assert.Equal(t, uint64(0), tx.Count())
		return nil
	})
	assert.NoError(t, err)
}

func TestNextID_DenseAndRolledBack(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		id, err := tx.NextID()
		assert.Equal(t, uint64(1), id)
		return err
	}))

	// 事务失败时编号不被消耗
	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error {
		id, err := tx.NextID()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), id)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.Update(func(tx *Tx) error {
		id, err := tx.NextID()
		assert.Equal(t, uint64(2), id)
		return err
	}))

	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, uint64(2), tx.Count())
		return nil
	})
}

func TestPutGetEntry(t *testing.T) {
	s := openTestStore(t)

	entry := &models.EscrowEntry{
		ID:         1,
		Owner:      alice,
		Amount:     big.NewInt(100),
		Message:    "hello",
		FileHash:   "0xabc",
		UnlockTime: 1700000000,
	}
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.PutEntry(entry) }))

	_ = s.View(func(tx *Tx) error {
		got, err := tx.GetEntry(1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, alice, got.Owner)
		assert.Equal(t, "100", got.Amount.String())
		assert.Equal(t, "hello", got.Message)
		assert.Equal(t, "0xabc", got.FileHash)
		assert.Equal(t, int64(1700000000), got.UnlockTime)
		assert.False(t, got.Opened)

		missing, err := tx.GetEntry(2)
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
}

func TestOwnerIndex(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		for _, id := range []uint64{3, 1, 300} {
			if err := tx.IndexOwner(alice, id); err != nil {
				return err
			}
		}
		return tx.IndexOwner(bob, 2)
	}))

	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, []uint64{1, 3, 300}, tx.OwnerIDs(alice))
		assert.Equal(t, []uint64{2}, tx.OwnerIDs(bob))
		return nil
	})

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.UnindexOwner(alice, 3) }))
	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, []uint64{1, 300}, tx.OwnerIDs(alice))
		assert.Empty(t, tx.OwnerIDs(common.Address{}))
		return nil
	})
}

func TestBalancesAndAllowances(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		if err := tx.SetBalance(tokenA, alice, big.NewInt(500)); err != nil {
			return err
		}
		return tx.SetAllowance(tokenA, alice, bob, big.NewInt(70))
	}))

	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, "500", tx.Balance(tokenA, alice).String())
		assert.Equal(t, "0", tx.Balance(tokenA, bob).String())
		assert.Equal(t, "70", tx.Allowance(tokenA, alice, bob).String())
		assert.Equal(t, "0", tx.Allowance(tokenA, bob, alice).String())
		return nil
	})

	err := s.Update(func(tx *Tx) error {
		return tx.SetBalance(tokenA, alice, big.NewInt(-1))
	})
	assert.Error(t, err)

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetBalance(tokenA, alice, new(big.Int)) }))
	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, 0, tx.Balance(tokenA, alice).Sign())
		return nil
	})
}

func TestMetaAndStats(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.PutMeta("admin", alice.Bytes()) }))
	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, alice.Bytes(), tx.GetMeta("admin"))
		assert.Nil(t, tx.GetMeta("missing"))
		return nil
	})

	stats := s.GetStats()
	assert.Equal(t, uint64(0), stats["total_capsules"])
	assert.Equal(t, s.Path(), stats["db_path"])
}
