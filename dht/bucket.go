package dht

import (
	"math/big"
	"sort"
	"sync"
	"time"
)

// DefaultBucketSize 是 K 桶的默认容量（也是复制因子 K）。
const DefaultBucketSize = 20

// KBucket 是覆盖键空间某个连续半开区间 [rangeMin, rangeMax) 的有序联系人列表，
// 按"最旧优先"排列，容量为 capacity（默认 DefaultBucketSize）。
//
// 伴随一个容量相同的替换缓存：当桶已满且不可分裂时，新联系人被暂存于此，
// 按插入顺序去重，供桶头联系人驱逐后晋升。
type KBucket struct {
	mu sync.Mutex

	rangeMin, rangeMax *big.Int
	depth              int
	capacity           int

	contacts    []*Contact // oldest first
	replacement []*Contact // FIFO，去重；末尾是最近一次推入的

	lastRefreshed time.Time
}

// NewKBucket 创建一个覆盖 [rangeMin, rangeMax) 的桶。
func NewKBucket(rangeMin, rangeMax *big.Int, depth, capacity int) *KBucket {
	return &KBucket{
		rangeMin: new(big.Int).Set(rangeMin),
		rangeMax: new(big.Int).Set(rangeMax),
		depth:    depth,
		capacity: capacity,
	}
}

// Range 返回桶覆盖区间的副本。
func (b *KBucket) Range() (*big.Int, *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.rangeMin), new(big.Int).Set(b.rangeMax)
}

// Depth 返回该桶在路由表二叉前缀树中的深度。
func (b *KBucket) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// InRange 判断标识符是否落在该桶覆盖的区间内。
func (b *KBucket) InRange(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inRangeLocked(id)
}

func (b *KBucket) inRangeLocked(id ID) bool {
	x := id.Int()
	return x.Cmp(b.rangeMin) >= 0 && x.Cmp(b.rangeMax) < 0
}

// Add 尝试加入联系人：若已存在则移至队尾并刷新 last-seen；若桶未满则追加；
// 否则返回 full=true，调用方负责分裂或推入替换缓存。
func (b *KBucket) Add(c *Contact, now time.Time) (ok bool, full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID.Equal(c.ID) {
			existing.Touch(now)
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, existing)
			return true, false
		}
	}

	if len(b.contacts) >= b.capacity {
		return false, true
	}

	c.Touch(now)
	b.contacts = append(b.contacts, c)
	return true, false
}

// Remove 从桶中移除指定标识符的联系人。
func (b *KBucket) Remove(id ID) (*Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.contacts {
		if c.ID.Equal(id) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

// Touch 若联系人存在则移至队尾并刷新 last-seen，返回是否找到。
func (b *KBucket) Touch(id ID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.contacts {
		if c.ID.Equal(id) {
			c.Touch(now)
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}
	return false
}

// Head 返回最旧的联系人（下一个驱逐候选）。
func (b *KBucket) Head() *Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

// Tail 返回最新加入/最近刷新的联系人。
func (b *KBucket) Tail() *Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[len(b.contacts)-1]
}

// Len 返回桶中联系人数量。
func (b *KBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// Full 判断桶是否已达容量上限。
func (b *KBucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts) >= b.capacity
}

// Contacts 返回桶内联系人的浅拷贝切片。
func (b *KBucket) Contacts() []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// NearestTo 返回桶内按与 target 的 XOR 距离排序的前 n 个联系人。
func (b *KBucket) NearestTo(target ID, n int) []*Contact {
	all := b.Contacts()
	sort.Slice(all, func(i, j int) bool {
		return Less(Distance(all[i].ID, target), Distance(all[j].ID, target))
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// NeedsRefresh 报告该桶是否已超过 tRefresh 未被刷新。
func (b *KBucket) NeedsRefresh(now time.Time, tRefresh time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastRefreshed.IsZero() {
		return true
	}
	return now.Sub(b.lastRefreshed) >= tRefresh
}

// MarkRefreshed 记录该桶刚被刷新（主动查找或偶然流量均可触发）。
func (b *KBucket) MarkRefreshed(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRefreshed = now
}

// PushReplacement 将联系人推入替换缓存：按 id 去重后追加到末尾，超出容量时
// 丢弃队首（最旧）的条目，形成一个带去重的 FIFO。
func (b *KBucket) PushReplacement(c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.replacement {
		if existing.ID.Equal(c.ID) {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			break
		}
	}
	b.replacement = append(b.replacement, c)
	if len(b.replacement) > b.capacity {
		b.replacement = b.replacement[1:]
	}
}

// PromoteReplacement 取出并移除替换缓存中最近一次推入的联系人，
// 供驱逐桶头之后填补空位。
func (b *KBucket) PromoteReplacement() (*Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.replacement) == 0 {
		return nil, false
	}
	last := len(b.replacement) - 1
	c := b.replacement[last]
	b.replacement = b.replacement[:last]
	return c, true
}

// ReplacementLen 返回替换缓存中的联系人数量（测试用）。
func (b *KBucket) ReplacementLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replacement)
}

// seedContact 直接追加联系人，不做去重或容量检查，仅用于路由表分裂时
// 构造两个尚未对外暴露的新桶。
func (b *KBucket) seedContact(c *Contact) {
	b.contacts = append(b.contacts, c)
}
