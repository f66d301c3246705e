package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/capsule.db"

	// 存储桶名称
	CapsulesBucket   = "capsules"
	OwnersBucket     = "owners"
	BalancesBucket   = "balances"
	AllowancesBucket = "allowances"
	MetaBucket       = "meta"
)

var allBuckets = []string{CapsulesBucket, OwnersBucket, BalancesBucket, AllowancesBucket, MetaBucket}

// Store 基于BoltDB的账本存储
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// Open 打开账本存储
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开账本数据库失败: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("账本存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *Store) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Update 在一个写事务中执行fn，fn返回错误时全部回滚
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View 在只读事务中执行fn
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Path 获取数据库路径
func (s *Store) Path() string {
	return s.dbPath
}

// GetStats 获取统计信息
func (s *Store) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"db_path": s.dbPath,
	}
	_ = s.View(func(tx *Tx) error {
		stats["total_capsules"] = tx.Count()
		stats["holders"] = tx.tx.Bucket([]byte(BalancesBucket)).Stats().KeyN
		return nil
	})
	dbStats := s.db.Stats()
	stats["open_tx"] = dbStats.OpenTxN
	stats["tx_count"] = dbStats.TxN
	return stats
}

// Close 关闭存储
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭账本存储")
		return s.db.Close()
	}
	return nil
}

// Tx 账本事务
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(name string) *bolt.Bucket {
	return t.tx.Bucket([]byte(name))
}

// Writable 是否为写事务
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// Count 已分配的胶囊数量，即当前最大编号
func (t *Tx) Count() uint64 {
	return t.bucket(CapsulesBucket).Sequence()
}

// NextID 分配下一个编号，事务回滚时编号一并回滚
func (t *Tx) NextID() (uint64, error) {
	id, err := t.bucket(CapsulesBucket).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("分配胶囊编号失败: %w", err)
	}
	return id, nil
}

// GetEntry 读取胶囊，不存在时返回nil
func (t *Tx) GetEntry(id uint64) (*models.EscrowEntry, error) {
	data := t.bucket(CapsulesBucket).Get(idKey(id))
	if data == nil {
		return nil, nil
	}
	var entry models.EscrowEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("解析胶囊 %d 失败: %w", id, err)
	}
	return &entry, nil
}

// PutEntry 写入胶囊
func (t *Tx) PutEntry(entry *models.EscrowEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化胶囊 %d 失败: %w", entry.ID, err)
	}
	if err := t.bucket(CapsulesBucket).Put(idKey(entry.ID), data); err != nil {
		return fmt.Errorf("保存胶囊 %d 失败: %w", entry.ID, err)
	}
	return nil
}

// ForEachEntry 按编号升序遍历胶囊
func (t *Tx) ForEachEntry(fn func(entry *models.EscrowEntry) error) error {
	return t.bucket(CapsulesBucket).ForEach(func(k, v []byte) error {
		var entry models.EscrowEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("解析胶囊 %d 失败: %w", binary.BigEndian.Uint64(k), err)
		}
		return fn(&entry)
	})
}

// IndexOwner 添加所有者索引
func (t *Tx) IndexOwner(owner common.Address, id uint64) error {
	return t.bucket(OwnersBucket).Put(ownerKey(owner, id), []byte{})
}

// UnindexOwner 删除所有者索引
func (t *Tx) UnindexOwner(owner common.Address, id uint64) error {
	return t.bucket(OwnersBucket).Delete(ownerKey(owner, id))
}

// OwnerIDs 按编号升序返回所有者的胶囊编号
func (t *Tx) OwnerIDs(owner common.Address) []uint64 {
	prefix := owner.Bytes()
	c := t.bucket(OwnersBucket).Cursor()

	ids := make([]uint64, 0)
	for k, _ := c.Seek(prefix); k != nil && len(k) == common.AddressLength+8 && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, binary.BigEndian.Uint64(k[common.AddressLength:]))
	}
	return ids
}

// Balance 代币余额
func (t *Tx) Balance(token, holder common.Address) *big.Int {
	return decodeAmount(t.bucket(BalancesBucket).Get(pairKey(token, holder)))
}

// SetBalance 设置代币余额
func (t *Tx) SetBalance(token, holder common.Address, amount *big.Int) error {
	return putAmount(t.bucket(BalancesBucket), pairKey(token, holder), amount)
}

// Allowance 授权额度
func (t *Tx) Allowance(token, owner, spender common.Address) *big.Int {
	return decodeAmount(t.bucket(AllowancesBucket).Get(tripleKey(token, owner, spender)))
}

// SetAllowance 设置授权额度
func (t *Tx) SetAllowance(token, owner, spender common.Address, amount *big.Int) error {
	return putAmount(t.bucket(AllowancesBucket), tripleKey(token, owner, spender), amount)
}

// TotalSupply 代币总量
func (t *Tx) TotalSupply(token common.Address) *big.Int {
	return decodeAmount(t.bucket(MetaBucket).Get(append([]byte("supply:"), token.Bytes()...)))
}

// SetTotalSupply 设置代币总量
func (t *Tx) SetTotalSupply(token common.Address, amount *big.Int) error {
	return putAmount(t.bucket(MetaBucket), append([]byte("supply:"), token.Bytes()...), amount)
}

// GetMeta 读取元数据
func (t *Tx) GetMeta(key string) []byte {
	v := t.bucket(MetaBucket).Get([]byte(key))
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// PutMeta 写入元数据
func (t *Tx) PutMeta(key string, value []byte) error {
	return t.bucket(MetaBucket).Put([]byte(key), value)
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func ownerKey(owner common.Address, id uint64) []byte {
	k := make([]byte, 0, common.AddressLength+8)
	k = append(k, owner.Bytes()...)
	return append(k, idKey(id)...)
}

func pairKey(a, b common.Address) []byte {
	k := make([]byte, 0, 2*common.AddressLength)
	k = append(k, a.Bytes()...)
	return append(k, b.Bytes()...)
}

func tripleKey(a, b, c common.Address) []byte {
	return append(pairKey(a, b), c.Bytes()...)
}

func decodeAmount(data []byte) *big.Int {
	if data == nil {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data)
}

// 零值直接删除键
func putAmount(b *bolt.Bucket, key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return b.Delete(key)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("金额不能为负数: %s", amount)
	}
	return b.Put(key, amount.Bytes())
}
