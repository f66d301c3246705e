package scanner

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"capsule/internal/errors"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWorkers 默认并发读取数
	DefaultWorkers = 8
	// MaxWorkers 并发读取上限
	MaxWorkers = 64
	// DefaultChunkSize 每批读取的编号数
	DefaultChunkSize = 1024
)

// Reader 按编号读取胶囊
type Reader interface {
	TotalCount(ctx context.Context) (uint64, error)
	GetEscrow(ctx context.Context, id uint64) (*models.EscrowEntry, error)
}

// OwnerIndex 带所有者索引的读取端，存在时跳过全量扫描
type OwnerIndex interface {
	OwnerEscrows(ctx context.Context, owner common.Address) ([]*models.EscrowEntry, error)
}

// Result 扫描结果，Entries按编号升序
type Result struct {
	From     uint64
	To       uint64
	Entries  []*models.EscrowEntry
	Errors   []error
	Duration time.Duration
}

// Scanner 并发读取胶囊并按编号重新排序
type Scanner struct {
	reader  Reader
	workers int
	chunk   int
	logger  *logrus.Logger
}

// New 创建扫描器
func New(reader Reader, workers int, logger *logrus.Logger) *Scanner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &Scanner{reader: reader, workers: workers, chunk: DefaultChunkSize, logger: logger}
}

type task struct {
	index int
	id    uint64
}

// ScanRange 读取[from, to]区间，不存在的编号跳过
func (s *Scanner) ScanRange(ctx context.Context, from, to uint64) (*Result, error) {
	if from == 0 {
		from = 1
	}
	started := time.Now()
	result := &Result{From: from, To: to}
	errs, err := s.Walk(ctx, from, to, func(entry *models.EscrowEntry) {
		result.Entries = append(result.Entries, entry)
	})
	result.Errors = errs
	result.Duration = time.Since(started)
	return result, err
}

// Walk 按编号升序分批读取[from, to]，每批读完后依次交给visit
func (s *Scanner) Walk(ctx context.Context, from, to uint64, visit func(*models.EscrowEntry)) ([]error, error) {
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil, nil
	}
	started := time.Now()

	var errs []error
	entries := 0
	for lo := from; ; {
		hi := lo + uint64(s.chunk) - 1
		if hi < lo || hi > to {
			hi = to
		}

		slots, chunkErrs := s.readChunk(ctx, lo, hi)
		errs = append(errs, chunkErrs...)
		if err := ctx.Err(); err != nil {
			return errs, err
		}
		// 各协程写入各自的槽位，这里按编号顺序交出
		for _, entry := range slots {
			if entry != nil {
				entries++
				visit(entry)
			}
		}

		if hi == to {
			break
		}
		lo = hi + 1
	}

	s.logger.WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"entries":  entries,
		"errors":   len(errs),
		"duration": time.Since(started),
	}).Debug("胶囊扫描完成")
	return errs, nil
}

// readChunk 并发读取[from, to]，区间长度不超过chunk
func (s *Scanner) readChunk(ctx context.Context, from, to uint64) ([]*models.EscrowEntry, []error) {
	n := int(to-from) + 1
	slots := make([]*models.EscrowEntry, n)
	tasks := make(chan task, s.workers*2)
	errCh := make(chan error, s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.worker(ctx, tasks, slots, errCh, &wg)
	}

	go func() {
		defer close(tasks)
		for i := 0; i < n; i++ {
			select {
			case tasks <- task{index: i, id: from + uint64(i)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	var errs []error
	for err := range errCh {
		s.logger.Errorf("读取胶囊失败: %v", err)
		errs = append(errs, err)
	}
	return slots, errs
}

func (s *Scanner) worker(ctx context.Context, tasks <-chan task, slots []*models.EscrowEntry, errCh chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range tasks {
		if ctx.Err() != nil {
			return
		}
		entry, err := s.reader.GetEscrow(ctx, t.id)
		if err != nil {
			if stderrors.Is(err, errors.ErrNotFound) {
				continue
			}
			select {
			case errCh <- fmt.Errorf("胶囊 %d: %w", t.id, err):
			case <-ctx.Done():
				return
			}
			continue
		}
		slots[t.index] = entry
	}
}

// ScanAll 读取全部胶囊
func (s *Scanner) ScanAll(ctx context.Context) (*Result, error) {
	count, err := s.reader.TotalCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取胶囊数量失败: %w", err)
	}
	return s.ScanRange(ctx, 1, count)
}

// ScanOwner 返回owner名下的胶囊，按编号升序
func (s *Scanner) ScanOwner(ctx context.Context, owner common.Address) ([]*models.EscrowEntry, error) {
	if idx, ok := s.reader.(OwnerIndex); ok {
		return idx.OwnerEscrows(ctx, owner)
	}

	count, err := s.reader.TotalCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取胶囊数量失败: %w", err)
	}
	owned := make([]*models.EscrowEntry, 0)
	errs, err := s.Walk(ctx, 1, count, func(entry *models.EscrowEntry) {
		if entry.Owner == owner {
			owned = append(owned, entry)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("扫描过程中有 %d 个读取失败: %w", len(errs), errs[0])
	}
	return owned, nil
}
