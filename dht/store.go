package dht

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// storedItem 是本地数据存储里一条记录的完整状态（4.F 节）。
type storedItem struct {
	item            *Item
	lastRequested   time.Time
	lastRepublished time.Time
}

// Store 是从 key 到已验证条目的本地映射，附带请求/重发布时间戳。
//
// 缓存副本——即本节点并非其自然归属者，只是机会性地持有一份的条目——
// 的数量用一个 LRU 名单上限约束：一旦超出 capacity，最久未被标记为
// "缓存副本"的那个 key 被逐出，逐出回调把它从主映射里一并删除。
// 自然归属于本节点的条目（由路由表的桶深度判定，见 Republish）永不进入
// 这张 LRU 名单，因而也永不因容量压力被驱逐。
type Store struct {
	mu    sync.Mutex
	items map[ID]*storedItem

	cacheCopies *lru.Cache[ID, struct{}]
}

// NewStore 创建一个本地数据存储，cacheCapacity 控制缓存副本的数量上限。
func NewStore(cacheCapacity int) (*Store, error) {
	s := &Store{items: make(map[ID]*storedItem)}

	// 逐出回调只在 Put/Delete/ExpireScan/MarkCacheCopy 调用 cacheCopies 时
	// 同步触发，这些调用方已持有 s.mu，因此回调内不再加锁。
	cache, err := lru.NewWithEvict(cacheCapacity, func(key ID, _ struct{}) {
		delete(s.items, key)
	})
	if err != nil {
		return nil, err
	}
	s.cacheCopies = cache
	return s, nil
}

// Put 实现 4.F 的 insert/replace 规则：无旧条目则插入；有旧条目则比较
// timestamp，更新者胜出，相同 timestamp 按签名字节比较，较旧的条目被
// 静默拒绝。isCacheCopy 标记这份条目是否只是本节点的机会性缓存副本
// （而非自然归属），决定它是否纳入容量受限的 LRU 名单。
//
// 返回 true 表示条目被接受（新插入或替换了更旧的版本）。
func (s *Store) Put(it *Item, now time.Time, isCacheCopy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[it.Key]
	if ok && !it.NewerThan(existing.item) {
		return false
	}

	s.items[it.Key] = &storedItem{
		item:            it,
		lastRequested:   now,
		lastRepublished: now,
	}
	if isCacheCopy {
		s.cacheCopies.Add(it.Key, struct{}{})
	}
	return true
}

// Get 返回给定 key 的条目，并把 last-requested 戳记为 now。
func (s *Store) Get(key ID, now time.Time) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key]
	if !ok {
		return nil, false
	}
	rec.lastRequested = now
	return rec.item, true
}

// Peek 返回给定 key 的条目，不更新 last-requested（供重发布/过期扫描
// 内部遍历使用，避免把扫描误记为外部请求）。
func (s *Store) Peek(key ID) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return rec.item, true
}

// Delete 从数据存储中移除一个条目。
func (s *Store) Delete(key ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	s.cacheCopies.Remove(key)
}

// Len 返回当前存储的条目总数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys 返回当前所有 key 的快照，供重发布/过期扫描遍历。
func (s *Store) Keys() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]ID, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// ExpireScan 删除所有已过期（expires != 0 且 expires < now）的条目，
// 返回被删除的 key 列表。
func (s *Store) ExpireScan(now time.Time) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []ID
	nowNano := now.UnixNano()
	for k, rec := range s.items {
		if rec.item.Expires != 0 && rec.item.Expires < nowNano {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(s.items, k)
		s.cacheCopies.Remove(k)
	}
	return expired
}

// RepublishCandidate 描述一个需要在本轮重发布中被处理的条目。
type RepublishCandidate struct {
	Item        *Item
	ShouldStore bool // 距离上次重发布已超过 T_republish，应向 K 近邻发起 STORE
	ShouldEvict bool // 是缓存副本且已久未被请求，可本地丢弃
}

// Republish 实现 4.F 的重发布扫描：对每个条目，若 now-lastRepublished
// ≥ tRepublish 则标记为需要重新 STORE；若它是缓存副本（由 selfDepth 与
// 条目 key 相对 self 的距离推算是否"天然归属"），且 now-lastRequested
// ≥ tRepublish，则标记为可驱逐。调用方据此发起网络 STORE 并/或调用
// Delete。本方法只读取状态、产出候选，不直接发起网络操作或修改存储，
// 与路由表一样遵循"核心逻辑不做 I/O"的约束。
func (s *Store) Republish(now time.Time, tRepublish time.Duration, self ID, selfBucketDepth int) []RepublishCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RepublishCandidate
	for key, rec := range s.items {
		cand := RepublishCandidate{Item: rec.item}

		if now.Sub(rec.lastRepublished) >= tRepublish {
			cand.ShouldStore = true
			rec.lastRepublished = now
		}

		if s.isCacheCopyLocked(key) && now.Sub(rec.lastRequested) >= tRepublish {
			if isDistantCacheCopy(self, key, selfBucketDepth) {
				cand.ShouldEvict = true
			}
		}

		if cand.ShouldStore || cand.ShouldEvict {
			out = append(out, cand)
		}
	}
	return out
}

func (s *Store) isCacheCopyLocked(key ID) bool {
	return s.cacheCopies.Contains(key)
}

// isDistantCacheCopy 近似判断一个 key 相对 self 是否"足够远"，超出了
// 本节点自然归属的桶深度阈值——4.F 的"距离超出由桶深度推导的阈值"规则。
// 用公共前缀长度与覆盖 self 的桶深度比较：距离的公共前缀长度明显短于
// selfBucketDepth，说明这个 key 落在离 self 很远的子树里。
func isDistantCacheCopy(self, key ID, selfBucketDepth int) bool {
	d := Distance(self, key)
	return d.CommonPrefixLen() < selfBucketDepth
}

// MarkCacheCopy 显式把一个已存在的 key 标记为缓存副本，供机会性缓存
// STORE（4.F "Opportunistic caching")在条目已经以其他身份存在时使用。
func (s *Store) MarkCacheCopy(key ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		s.cacheCopies.Add(key, struct{}{})
	}
}
