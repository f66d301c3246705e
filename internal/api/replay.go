package api

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultReplayCacheSize 记录的已用随机串上限
const DefaultReplayCacheSize = 10000

type seenNonce struct {
	key     string
	expires time.Time
}

// replayCache 时间窗口内已使用的 签名者+随机串
type replayCache struct {
	mu    sync.Mutex
	max   int
	now   func() time.Time
	seen  map[string]time.Time
	order []seenNonce
}

func newReplayCache(max int, now func() time.Time) *replayCache {
	if max <= 0 {
		max = DefaultReplayCacheSize
	}
	return &replayCache{
		max:  max,
		now:  now,
		seen: make(map[string]time.Time),
	}
}

// remember 首次出现返回true并记录到expires，有效期内重复返回false
func (r *replayCache) remember(signer common.Address, nonce string, expires time.Time) bool {
	key := signer.Hex() + "/" + nonce

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.drop(func(head seenNonce) bool { return !now.Before(head.expires) })
	if exp, ok := r.seen[key]; ok && now.Before(exp) {
		return false
	}

	// 满了淘汰最早的记录
	r.drop(func(seenNonce) bool { return len(r.seen) >= r.max })
	r.seen[key] = expires
	r.order = append(r.order, seenNonce{key: key, expires: expires})
	return true
}

// drop 从最早的记录开始删除，直到cond不成立
func (r *replayCache) drop(cond func(head seenNonce) bool) {
	n := 0
	for n < len(r.order) && cond(r.order[n]) {
		head := r.order[n]
		if exp, ok := r.seen[head.key]; ok && exp.Equal(head.expires) {
			delete(r.seen, head.key)
		}
		n++
	}
	if n > 0 {
		r.order = append(r.order[:0:0], r.order[n:]...)
	}
}

func (r *replayCache) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
