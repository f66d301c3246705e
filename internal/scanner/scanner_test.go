package scanner

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"capsule/internal/errors"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

// slowReader 乱序延迟返回，验证结果顺序
type slowReader struct {
	entries map[uint64]*models.EscrowEntry
	count   uint64
	fail    map[uint64]bool
	reads   int64
}

func (r *slowReader) TotalCount(ctx context.Context) (uint64, error) {
	return r.count, nil
}

func (r *slowReader) GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error) {
	atomic.AddInt64(&r.reads, 1)
	time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	if r.fail[id] {
		return nil, fmt.Errorf("connection reset")
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.ErrNotFound.WithEscrowID(id)
	}
	return e.Clone(), nil
}

func newReader(n uint64) *slowReader {
	r := &slowReader{entries: make(map[uint64]*models.EscrowEntry), count: n, fail: map[uint64]bool{}}
	for id := uint64(1); id <= n; id++ {
		owner := alice
		if id%3 == 0 {
			owner = bob
		}
		r.entries[id] = &models.EscrowEntry{ID: id, Owner: owner, Amount: big.NewInt(int64(id))}
	}
	return r
}

func TestScanPreservesOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := newReader(50)
	s := New(r, 8, logger)

	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Entries, 50)
	for i, e := range result.Entries {
		assert.Equal(t, uint64(i+1), e.ID)
	}
	assert.Empty(t, result.Errors)
	assert.Equal(t, int64(50), atomic.LoadInt64(&r.reads))
}

func TestScanOwnerFilters(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(newReader(10), 3, logger)

	owned, err := s.ScanOwner(context.Background(), bob)
	require.NoError(t, err)
	ids := make([]uint64, 0, len(owned))
	for _, e := range owned {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []uint64{3, 6, 9}, ids)
}

func TestScanSkipsMissingAndReportsErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := newReader(5)
	delete(r.entries, 2)
	r.fail[4] = true
	s := New(r, 2, logger)

	result, err := s.ScanRange(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 3)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "胶囊 4")

	_, err = s.ScanOwner(context.Background(), alice)
	assert.Error(t, err)
}

func TestScanEmptyAndCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(newReader(0), 0, logger)
	assert.Equal(t, DefaultWorkers, s.workers)

	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(newReader(20), 100, logger).ScanRange(ctx, 1, 20)
	assert.ErrorIs(t, err, context.Canceled)
}

// orderedReader 记录读取顺序
type orderedReader struct {
	*slowReader
	mu  sync.Mutex
	ids []uint64
}

func (r *orderedReader) GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return r.slowReader.GetEscrow(ctx, id)
}

func TestScanReadsInChunks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := &orderedReader{slowReader: newReader(11)}
	s := New(r, 4, logger)
	s.chunk = 4

	result, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Entries, 11)
	for i, e := range result.Entries {
		assert.Equal(t, uint64(i+1), e.ID)
	}

	// 一批读完才开始下一批
	require.Len(t, r.ids, 11)
	batch := uint64(0)
	for _, id := range r.ids {
		b := (id - 1) / 4
		assert.GreaterOrEqual(t, b, batch, "编号 %d 早于上一批完成", id)
		batch = b
	}

	owned, err := s.ScanOwner(context.Background(), bob)
	require.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestWalkAtTopOfRange(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := newReader(0)
	s := New(r, 2, logger)
	s.chunk = 2

	visited := 0
	errs, err := s.Walk(context.Background(), math.MaxUint64-2, math.MaxUint64, func(*models.EscrowEntry) { visited++ })
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Zero(t, visited)
	assert.Equal(t, int64(3), atomic.LoadInt64(&r.reads))
}

type indexedReader struct {
	*slowReader
	called bool
}

func (r *indexedReader) OwnerEscrows(ctx context.Context, owner common.Address) ([]*models.EscrowEntry, error) {
	r.called = true
	return []*models.EscrowEntry{r.entries[3]}, nil
}

func TestScanOwnerUsesIndex(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := &indexedReader{slowReader: newReader(6)}
	owned, err := New(r, 2, logger).ScanOwner(context.Background(), bob)
	require.NoError(t, err)
	assert.True(t, r.called)
	assert.Len(t, owned, 1)
	assert.Zero(t, atomic.LoadInt64(&r.reads))
}
