package dht

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSelfContact 拒绝把自身加入路由表。
	ErrSelfContact = errors.New("dht: cannot add self as a contact")

	// ErrBucketFull 目标桶已满且不可分裂，联系人已进入替换缓存。
	ErrBucketFull = errors.New("dht: bucket full, queued in replacement cache")
)

// DefaultSplitParam 是 4.E 中可选的宽松分裂参数 b 的默认值：1，
// 即 depth % b 恒为 0，宽松分裂规则永不触发，只保留"桶覆盖 self"规则。
const DefaultSplitParam = 1

// RoutingTable 是以 self 为中心的桶化二叉前缀树。
//
// 实现上采用扁平化表示：按起始区间升序排列的桶切片，这与二叉树在逻辑上
// 等价（分裂一个桶等价于把它替换为两个相邻的子桶），借鉴自原始实现中
// RoutingTable 用列表承载桶的做法。
type RoutingTable struct {
	mu sync.Mutex

	self        ID
	bucketSize  int
	splitParam  int
	maxFailures int

	buckets []*KBucket // 按 rangeMin 升序排列，区间恰好分割整个键空间
}

// RoutingTableOption 配置路由表的可选参数。
type RoutingTableOption func(*RoutingTable)

// WithSplitParam 覆盖宽松分裂参数 b。
func WithSplitParam(b int) RoutingTableOption {
	return func(rt *RoutingTable) {
		if b > 0 {
			rt.splitParam = b
		}
	}
}

// WithMaxFailures 覆盖联系人被驱逐前允许的最大连续失败次数。
func WithMaxFailures(n int) RoutingTableOption {
	return func(rt *RoutingTable) {
		if n > 0 {
			rt.maxFailures = n
		}
	}
}

// WithTableBucketSize 覆盖桶容量 K。
func WithTableBucketSize(k int) RoutingTableOption {
	return func(rt *RoutingTable) {
		if k > 0 {
			rt.bucketSize = k
		}
	}
}

// fullKeyspaceMax 是 2^512，整个键空间的上界（开区间）。
func fullKeyspaceMax() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), IDBits)
}

// NewRoutingTable 创建一个以 self 为中心、初始只有一个覆盖全部键空间的桶的路由表。
func NewRoutingTable(self ID, opts ...RoutingTableOption) *RoutingTable {
	rt := &RoutingTable{
		self:        self,
		bucketSize:  DefaultBucketSize,
		splitParam:  DefaultSplitParam,
		maxFailures: DefaultMaxFailures,
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.buckets = []*KBucket{NewKBucket(big.NewInt(0), fullKeyspaceMax(), 0, rt.bucketSize)}
	return rt
}

// findBucketIndexLocked 二分查找覆盖 id 的唯一桶的下标；调用方须持有 rt.mu。
func (rt *RoutingTable) findBucketIndexLocked(id ID) int {
	x := id.Int()
	lo, hi := 0, len(rt.buckets)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if x.Cmp(rt.buckets[mid].rangeMax) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Add 尝试把联系人插入路由表，实现 4.E 的插入算法：定位桶、尝试加入，
// 满则视情况分裂或转入替换缓存。
//
// 返回 ErrSelfContact 若 c.ID == self；返回 ErrBucketFull 若目标桶已满且
// 不可分裂——此时调用方（节点引擎）应 ping 该桶的 Head() 并在其无响应时
// 调用 EvictAndPromote 驱逐并晋升替换缓存中的联系人。
func (rt *RoutingTable) Add(c *Contact, now time.Time) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if c.ID.Equal(rt.self) {
		return ErrSelfContact
	}
	return rt.addLocked(c, now)
}

func (rt *RoutingTable) addLocked(c *Contact, now time.Time) error {
	idx := rt.findBucketIndexLocked(c.ID)
	b := rt.buckets[idx]

	if ok, full := b.Add(c, now); ok {
		b.MarkRefreshed(now)
		return nil
	} else if !full {
		return nil
	}

	if rt.splitAllowedLocked(idx) {
		rt.splitBucketLocked(idx)
		return rt.addLocked(c, now)
	}

	b.PushReplacement(c)
	return ErrBucketFull
}

// splitAllowedLocked 判断下标 idx 处的桶是否允许分裂：要么它的区间包含
// self.id（核心规则），要么它的深度不是 splitParam 的倍数（可选宽松规则，
// splitParam 默认为 1 时此分支永远为假）。
func (rt *RoutingTable) splitAllowedLocked(idx int) bool {
	b := rt.buckets[idx]
	if b.inRangeLocked(rt.self) {
		return true
	}
	return b.depth%rt.splitParam != 0
}

// splitBucketLocked 把下标 idx 处的桶在中点一分为二，重新分配现有联系人，
// 并用两个子桶替换原桶。
func (rt *RoutingTable) splitBucketLocked(idx int) {
	b := rt.buckets[idx]

	mid := new(big.Int).Add(b.rangeMin, b.rangeMax)
	mid.Rsh(mid, 1)

	lower := NewKBucket(b.rangeMin, mid, b.depth+1, rt.bucketSize)
	upper := NewKBucket(mid, b.rangeMax, b.depth+1, rt.bucketSize)

	for _, c := range b.contacts {
		if lower.inRangeLocked(c.ID) {
			lower.seedContact(c)
		} else {
			upper.seedContact(c)
		}
	}

	replacement := make([]*KBucket, 0, len(rt.buckets)+1)
	replacement = append(replacement, rt.buckets[:idx]...)
	replacement = append(replacement, lower, upper)
	replacement = append(replacement, rt.buckets[idx+1:]...)
	rt.buckets = replacement
}

// Remove 从路由表中移除给定标识符的联系人。
func (rt *RoutingTable) Remove(id ID) (*Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.findBucketIndexLocked(id)
	return rt.buckets[idx].Remove(id)
}

// Touch 若给定标识符的联系人存在于路由表中，刷新其 last-seen。
func (rt *RoutingTable) Touch(id ID, now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.findBucketIndexLocked(id)
	b := rt.buckets[idx]
	ok := b.Touch(id, now)
	if ok {
		b.MarkRefreshed(now)
	}
	return ok
}

// TouchBucketCovering 把覆盖 target 的桶标记为刚被刷新，而不要求 target
// 对应一个已知联系人——发起一次针对该目标的查找本身就等价于刷新该桶
// （原始实现的 touch_bucket）。
func (rt *RoutingTable) TouchBucketCovering(target ID, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.findBucketIndexLocked(target)
	rt.buckets[idx].MarkRefreshed(now)
}

// Fail 记录一次与给定联系人交互失败：若该联系人存在于路由表中，累加其
// 失败计数；一旦达到 maxFailures，将其从路由表中移除并晋升替换缓存中的
// 候选（4.E "Failure accounting"）。返回该联系人是否仍在路由表中。
func (rt *RoutingTable) Fail(id ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.findBucketIndexLocked(id)
	b := rt.buckets[idx]

	var target *Contact
	for _, c := range b.Contacts() {
		if c.ID.Equal(id) {
			target = c
			break
		}
	}
	if target == nil {
		return false
	}

	target.Fail()
	if target.FailureCount < rt.maxFailures {
		return true
	}

	b.Remove(id)
	if promoted, ok := b.PromoteReplacement(); ok {
		b.seedContact(promoted)
	}
	return false
}

// BucketOf 返回覆盖给定标识符的桶（主要供测试与诊断使用）。
func (rt *RoutingTable) BucketOf(id ID) *KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[rt.findBucketIndexLocked(id)]
}

// SelfBucketDepth 返回覆盖 self.id 的桶的深度，本地数据存储的缓存驱逐逻辑
// 以此作为"这是否是天然归属于本节点"的判据。
func (rt *RoutingTable) SelfBucketDepth() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[rt.findBucketIndexLocked(rt.self)].Depth()
}

// EvictAndPromote 驱逐桶头联系人（探活失败后调用），并把替换缓存中最近
// 的一个联系人晋升进桶。
func (rt *RoutingTable) EvictAndPromote(headID ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.findBucketIndexLocked(headID)
	b := rt.buckets[idx]
	b.Remove(headID)
	if promoted, ok := b.PromoteReplacement(); ok {
		b.seedContact(promoted)
	}
}

// KClosest 返回路由表中已知联系人里，按与 target 的 XOR 距离排序的前 k 个。
//
// 4.E 描述的"向 target 方向遍历前缀树再向相邻子树扩散"只是一种遍历顺序上
// 的优化；由于路由表中联系人总数是受限的（至多 O(buckets)×K），直接汇总
// 全表联系人再排序即可得到完全相同的结果，且更易验证其正确性。
func (rt *RoutingTable) KClosest(target ID, k int) []*Contact {
	rt.mu.Lock()
	var pool []*Contact
	for _, b := range rt.buckets {
		pool = append(pool, b.Contacts()...)
	}
	rt.mu.Unlock()

	sort.Slice(pool, func(i, j int) bool {
		return Less(Distance(pool[i].ID, target), Distance(pool[j].ID, target))
	})
	if k < len(pool) {
		pool = pool[:k]
	}
	return pool
}

// Size 返回路由表中联系人的总数。
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

// Buckets 返回当前所有桶的快照切片（浅拷贝），供刷新调度器遍历。
func (rt *RoutingTable) Buckets() []*KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*KBucket, len(rt.buckets))
	copy(out, rt.buckets)
	return out
}

// StaleBuckets 返回所有超过 tRefresh 未刷新的桶。
func (rt *RoutingTable) StaleBuckets(now time.Time, tRefresh time.Duration) []*KBucket {
	var stale []*KBucket
	for _, b := range rt.Buckets() {
		if b.NeedsRefresh(now, tRefresh) {
			stale = append(stale, b)
		}
	}
	return stale
}

// RandomIDInBucket 返回该桶覆盖区间内的一个随机标识符，供刷新查找使用。
func RandomIDInBucket(b *KBucket, rng RNG) ID {
	lo, hi := b.Range()
	span := new(big.Int).Sub(hi, lo)
	if span.Sign() <= 0 {
		return IDFromInt(lo)
	}
	offset := rng.RandBigInt(span)
	return IDFromInt(new(big.Int).Add(lo, offset))
}

// Invariant 校验路由表是否满足 8 节列出的不变式，供测试使用；返回第一个
// 违反的描述，空字符串表示一切正常。
func (rt *RoutingTable) Invariant() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	seen := map[ID]bool{}
	prev := big.NewInt(0)
	for i, b := range rt.buckets {
		lo, hi := new(big.Int).Set(b.rangeMin), new(big.Int).Set(b.rangeMax)
		if lo.Cmp(prev) != 0 {
			return "bucket ranges have a gap or overlap"
		}
		if hi.Cmp(lo) <= 0 {
			return "bucket range is empty or inverted"
		}
		prev = hi
		if i == len(rt.buckets)-1 && hi.Cmp(fullKeyspaceMax()) != 0 {
			return "bucket ranges do not cover the full keyspace"
		}
		if b.Len() > rt.bucketSize {
			return "bucket exceeds capacity K"
		}
		for _, c := range b.Contacts() {
			if c.ID.Equal(rt.self) {
				return "self present as a contact"
			}
			if seen[c.ID] {
				return "contact present in more than one bucket"
			}
			seen[c.ID] = true
			if !b.inRangeLocked(c.ID) {
				return "contact outside its bucket's range"
			}
		}
	}
	return ""
}
