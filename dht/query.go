package dht

import (
	"context"
	"sort"
	"time"
)

// LookupKind 区分一次迭代查找请求的是哪一种 RPC（4.I 节）。
type LookupKind int

const (
	// LookupFindNode 查找离 target 最近的 K 个联系人。
	LookupFindNode LookupKind = iota + 1
	// LookupFindValue 查找 target 对应的已签名条目；收敛方式与 FindNode 相同。
	LookupFindValue
)

// LookupTransport 是迭代查找所需的全部网络能力：对单个联系人发起一次
// FIND_NODE/FIND_VALUE，以及在 FIND_VALUE 收敛成功后把结果机会性地
// STORE 给最近的一个未持有者。查找状态机本身不做任何编解码或签名——
// 那些留给消息层和节点引擎,这里只协调并发与收敛判定。
type LookupTransport interface {
	FindNode(ctx context.Context, c *Contact, target ID) ([]*Contact, error)
	FindValue(ctx context.Context, c *Contact, target ID) (*Item, []*Contact, error)
	Store(ctx context.Context, c *Contact, it *Item) error
}

// LookupResult 是一次迭代查找收敛后的结果。
type LookupResult struct {
	Kind     LookupKind
	Item     *Item     // 仅 LookupFindValue 命中时非空
	Contacts []*Contact // 仅 LookupFindNode 成功时非空：按距离升序的 K 个联系人
}

// Lookup 是 4.I 节描述的单次迭代查找会话的状态机，直接仿照原始实现
// 的 shortlist/contacted/pending/nearest 结构。
type Lookup struct {
	kind   LookupKind
	target ID

	rt        *RoutingTable
	transport LookupTransport
	clock     Clock

	alpha          int
	k              int
	requestTimeout time.Duration
	deadline       time.Duration
	skew           time.Duration
}

// NewLookup 构造一次针对 target 的迭代查找；kind 决定发出 FIND_NODE 还是
// FIND_VALUE。
func NewLookup(kind LookupKind, target ID, rt *RoutingTable, transport LookupTransport, clk Clock, cfg *Config) *Lookup {
	return &Lookup{
		kind:           kind,
		target:         target,
		rt:             rt,
		transport:      transport,
		clock:          clk,
		alpha:          cfg.Alpha,
		k:              cfg.BucketSize,
		requestTimeout: cfg.RequestTimeout,
		deadline:       cfg.LookupDeadline,
		skew:           cfg.TimestampSkew,
	}
}

// lookupResponse 是后台 RPC goroutine 向主协调循环报告的一次结果。
type lookupResponse struct {
	contact  *Contact
	contacts []*Contact
	item     *Item
	err      error
}

// Run 执行该查找直到收敛、失败或超过截止时间。ctx 的生命周期只约束
// Run 本身；被"取消"但仍在网络上飞行的请求不会被硬性中断——它们的
// goroutine 独立持有自己的超时，响应到达后仍用于刷新路由表里发送者的
// 存活状态（"mark-then-ignore" 而非硬中止，见 drogulus 的
// _cancel_pending_requests）。
func (l *Lookup) Run(ctx context.Context) (*LookupResult, error) {
	seed := l.rt.KClosest(l.target, l.k)
	if len(seed) == 0 {
		return nil, ErrNoPeers
	}

	now := l.clock.Now()
	l.rt.TouchBucketCovering(l.target, now)

	shortlist := append([]*Contact{}, seed...)
	contacted := make(map[ID]bool)
	pending := make(map[ID]bool)
	nonHolders := make(map[ID]*Contact)

	sortByDistance(shortlist, l.target)
	nearest := shortlist[0].ID

	responses := make(chan lookupResponse, l.alpha)

	launch := func() {
		for _, c := range shortlist {
			if len(pending) >= l.alpha {
				return
			}
			if contacted[c.ID] {
				continue
			}
			contacted[c.ID] = true
			pending[c.ID] = true
			go l.fire(ctx, c, responses)
		}
	}
	launch()

	deadlineC := l.clock.After(l.deadline)

	for {
		select {
		case <-ctx.Done():
			l.drainLater(responses, len(pending))
			return nil, ErrLookupCancelled

		case <-deadlineC:
			l.drainLater(responses, len(pending))
			return nil, ErrTimeout

		case resp := <-responses:
			delete(pending, resp.contact.ID)

			if resp.err != nil {
				shortlist = removeContact(shortlist, resp.contact.ID)
				l.rt.Fail(resp.contact.ID)
				launch()
				if len(pending) == 0 {
					if result, done, err := l.checkTermination(shortlist, contacted); done {
						return result, err
					}
				}
				continue
			}
			l.rt.Touch(resp.contact.ID, l.clock.Now())

			if l.kind == LookupFindValue && resp.item != nil {
				if verifyErr := VerifyItem(resp.item, l.clock.WallNow(), l.skew); verifyErr != nil || !resp.item.Key.Equal(l.target) {
					shortlist = removeContact(shortlist, resp.contact.ID)
					l.rt.Fail(resp.contact.ID)
					launch()
					if len(pending) == 0 {
						if result, done, err := l.checkTermination(shortlist, contacted); done {
							return result, err
						}
					}
					continue
				}

				l.drainLater(responses, len(pending))
				l.storeToClosestNonHolder(ctx, resp.item, nonHolders)
				return &LookupResult{Kind: LookupFindValue, Item: resp.item}, nil
			}

			if l.kind == LookupFindValue {
				nonHolders[resp.contact.ID] = resp.contact
			}

			shortlist = mergeContacts(shortlist, resp.contacts, contacted)
			sortByDistance(shortlist, l.target)

			if len(shortlist) > 0 && Less(Distance(shortlist[0].ID, l.target), Distance(nearest, l.target)) {
				nearest = shortlist[0].ID
				launch()
				continue
			}

			if len(pending) != 0 {
				continue
			}

			result, done, err := l.checkTermination(shortlist, contacted)
			if done {
				return result, err
			}
			launch()
		}
	}
}

func (l *Lookup) fire(ctx context.Context, c *Contact, out chan<- lookupResponse) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.requestTimeout)
	defer cancel()

	switch l.kind {
	case LookupFindValue:
		item, contacts, err := l.transport.FindValue(reqCtx, c, l.target)
		out <- lookupResponse{contact: c, item: item, contacts: contacts, err: err}
	default:
		contacts, err := l.transport.FindNode(reqCtx, c, l.target)
		out <- lookupResponse{contact: c, contacts: contacts, err: err}
	}
}

// drainLater 排空仍在飞行、已经不再参与收敛决策的 n 个响应，顺带用它们
// 刷新路由表里对应联系人的存活状态。
func (l *Lookup) drainLater(responses chan lookupResponse, n int) {
	if n == 0 {
		return
	}
	go func() {
		for i := 0; i < n; i++ {
			resp := <-responses
			if resp.err == nil {
				l.rt.Touch(resp.contact.ID, l.clock.Now())
			}
		}
	}()
}

// checkTermination 实现 4.I 步骤 7：pending 为空时判断是否已经收敛。
func (l *Lookup) checkTermination(shortlist []*Contact, contacted map[ID]bool) (*LookupResult, bool, error) {
	kNearest := shortlist
	if len(kNearest) > l.k {
		kNearest = kNearest[:l.k]
	}

	allContacted := true
	for _, c := range kNearest {
		if !contacted[c.ID] {
			allContacted = false
			break
		}
	}
	if !allContacted {
		return nil, false, nil
	}

	if l.kind == LookupFindValue {
		return nil, true, ErrValueNotFound
	}

	result := append([]*Contact{}, kNearest...)
	return &LookupResult{Kind: LookupFindNode, Contacts: result}, true, nil
}

func (l *Lookup) storeToClosestNonHolder(ctx context.Context, it *Item, nonHolders map[ID]*Contact) {
	if len(nonHolders) == 0 {
		return
	}
	var closest *Contact
	for _, c := range nonHolders {
		if closest == nil || Less(Distance(c.ID, l.target), Distance(closest.ID, l.target)) {
			closest = c
		}
	}
	storeCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()
	_ = l.transport.Store(storeCtx, closest, it)
}

func sortByDistance(contacts []*Contact, target ID) {
	sort.Slice(contacts, func(i, j int) bool {
		return Less(Distance(contacts[i].ID, target), Distance(contacts[j].ID, target))
	})
}

func removeContact(contacts []*Contact, id ID) []*Contact {
	out := contacts[:0]
	for _, c := range contacts {
		if !c.ID.Equal(id) {
			out = append(out, c)
		}
	}
	return out
}

func mergeContacts(shortlist []*Contact, fresh []*Contact, contacted map[ID]bool) []*Contact {
	seen := make(map[ID]bool, len(shortlist))
	for _, c := range shortlist {
		seen[c.ID] = true
	}
	for _, c := range fresh {
		if contacted[c.ID] || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		shortlist = append(shortlist, c)
	}
	return shortlist
}
