package dht

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/dep2p/kademlia/pkg/lib/crypto"
	"github.com/dep2p/kademlia/pkg/lib/log"
)

var logger = log.Logger("dht")

// Transport 是节点引擎依赖的发送端协作者：把一帧已编码的消息送到目标
// 地址。核心不关心底层是什么协议；传输层可以在信道层做身份认证，但核心
// 总会重新校验每条消息的签名（6 节）。
type Transport interface {
	Send(ctx context.Context, address string, frame []byte) error
}

// InboundEvent 是传输层投递给节点引擎的一条入站帧。
type InboundEvent struct {
	SourceAddress string
	Frame         []byte
}

// pendingWaiter 是一条待决出站请求的等待者：uuid 标识请求，回复一旦到达
// 便投递到 replyCh。
type pendingWaiter struct {
	replyCh   chan *Message
	createdAt time.Time
}

// StoreReport 是 node.Set 的结果：按对端拆分的 ack/nack 列表。
type StoreReport struct {
	Key    ID
	Acked  []*Contact
	Nacked []*Contact
	Err    error
}

// Node 是 4.H 节描述的节点引擎：拥有 self 的联系人信息、私钥、路由表、
// 本地数据存储与待决请求表,并驱动桶刷新、重新发布、过期扫描、待决请求
// 回收四个后台任务。
type Node struct {
	selfContact  *Contact
	privateKey   crypto.PrivateKey
	publicKeyRaw []byte

	rt    *RoutingTable
	store *Store
	cfg   *Config
	clk   Clock
	rng   RNG

	transport Transport
	inbound   <-chan InboundEvent

	mu      sync.Mutex
	pending map[string]*pendingWaiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	joined atomic.Bool
	closed atomic.Bool
}

// NewNode 构造一个节点引擎并启动其后台循环。listenAddress 是本节点对外
// 宣称的地址,写入自身联系人信息供对端回拨。
func NewNode(priv crypto.PrivateKey, listenAddress string, transport Transport, inbound <-chan InboundEvent, cfg *Config, clk Clock, rng RNG) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = NewSystemClock()
	}
	if rng == nil {
		rng = NewCryptoRNG()
	}
	if priv == nil || transport == nil {
		return nil, NewNodeError("new_node", ErrCodeMalformed, ErrBadFrame, "private key and transport are required")
	}

	pubRaw, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}
	selfID := HashToID(pubRaw)
	self := NewContact(selfID, listenAddress, cfg.ProtocolVersion, clk.Now())

	rt := NewRoutingTable(selfID,
		WithSplitParam(cfg.SplitParam),
		WithMaxFailures(cfg.MaxFailures),
		WithTableBucketSize(cfg.BucketSize))

	store, err := NewStore(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		selfContact:  self,
		privateKey:   priv,
		publicKeyRaw: pubRaw,
		rt:           rt,
		store:        store,
		cfg:          cfg,
		clk:          clk,
		rng:          rng,
		transport:    transport,
		inbound:      inbound,
		pending:      make(map[string]*pendingWaiter),
		ctx:          ctx,
		cancel:       cancel,
	}

	n.wg.Add(5)
	go n.dispatchLoop()
	go n.bucketRefreshLoop()
	go n.republishLoop()
	go n.expireScanLoop()
	go n.pendingReapLoop()

	return n, nil
}

// SelfContact 返回本节点对外宣称的联系人信息。
func (n *Node) SelfContact() *Contact {
	return n.selfContact.Clone()
}

// RoutingTable 返回底层路由表,主要供诊断与测试使用。
func (n *Node) RoutingTable() *RoutingTable {
	return n.rt
}

// Join 把给定的种子联系人插入路由表,随后对 self.id 做一次 FIND_NODE
// 查找,最后刷新除了 self 所在桶以外的每一个桶(4.H "Join")。
func (n *Node) Join(ctx context.Context, seeds []*Contact) error {
	if n.closed.Load() {
		return ErrNodeClosed
	}
	if n.joined.Swap(true) {
		return ErrAlreadyJoined
	}

	now := n.clk.Now()
	for _, s := range seeds {
		_ = n.rt.Add(s, now)
	}

	lookup := NewLookup(LookupFindNode, n.selfContact.ID, n.rt, n, n.clk, n.cfg)
	if _, err := lookup.Run(ctx); err != nil && !errors.Is(err, ErrNoPeers) {
		return NewNodeError("join", ErrCodeInternal, err, "initial self lookup failed")
	}

	selfBucket := n.rt.BucketOf(n.selfContact.ID)
	for _, b := range n.rt.Buckets() {
		if b == selfBucket {
			continue
		}
		n.refreshBucket(ctx, b)
	}
	return nil
}

// refreshBucket 对桶覆盖区间内的一个随机标识符发起 FIND_NODE,让该桶里
// 那些"沉默太久"的联系人重新被验证存活。
func (n *Node) refreshBucket(ctx context.Context, b *KBucket) {
	target := RandomIDInBucket(b, n.rng)
	lookup := NewLookup(LookupFindNode, target, n.rt, n, n.clk, n.cfg)
	if _, err := lookup.Run(ctx); err != nil {
		logger.Debug("桶刷新查找失败", "error", err)
	}
}

// Leave 停止所有后台任务并排空待决请求表(4.H "Leave")。
func (n *Node) Leave(context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.cancel()
	n.wg.Wait()

	n.mu.Lock()
	for uuid, w := range n.pending {
		close(w.replyCh)
		delete(n.pending, uuid)
	}
	n.mu.Unlock()
	return nil
}

// Get 计算 key = SHA512(canon(publisherPublicKey) || canon(name)),
// 先查本地存储,否则发起一次 FIND_VALUE 迭代查找(6 节)。
func (n *Node) Get(ctx context.Context, name string, publisherPublicKey []byte) (*Item, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	key := DeriveKey(publisherPublicKey, name)

	if it, ok := n.store.Get(key, n.clk.Now()); ok {
		return it, nil
	}

	lookup := NewLookup(LookupFindValue, key, n.rt, n, n.clk, n.cfg)
	result, err := lookup.Run(ctx)
	if err != nil {
		return nil, err
	}
	return result.Item, nil
}

// Set 在本地构造并签名一条条目,随后对其 key 发起 FIND_NODE 查找,向返回
// 的 K 个最近节点逐一发起 STORE,汇总每个对端的 ack/nack(6 节)。
func (n *Node) Set(ctx context.Context, name string, value []byte, expires int64, meta []MetaPair) (*StoreReport, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}

	it, err := BuildItem(n.privateKey, value, name, expires, meta, n.cfg.ProtocolVersion, n.clk.WallNow())
	if err != nil {
		return nil, err
	}

	selfDepth := n.rt.SelfBucketDepth()
	n.store.Put(it, n.clk.Now(), isDistantCacheCopy(n.selfContact.ID, it.Key, selfDepth))

	lookup := NewLookup(LookupFindNode, it.Key, n.rt, n, n.clk, n.cfg)
	result, err := lookup.Run(ctx)
	if err != nil {
		return nil, err
	}

	report := &StoreReport{Key: it.Key}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		combined error
	)
	for _, c := range result.Contacts {
		wg.Add(1)
		go func(c *Contact) {
			defer wg.Done()
			storeCtx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
			defer cancel()

			storeErr := n.Store(storeCtx, c, it)

			mu.Lock()
			defer mu.Unlock()
			if storeErr != nil {
				report.Nacked = append(report.Nacked, c)
				combined = multierr.Append(combined, storeErr)
				return
			}
			report.Acked = append(report.Acked, c)
		}(c)
	}
	wg.Wait()

	if len(report.Acked) == 0 {
		report.Err = combined
		return report, combined
	}
	return report, nil
}

// FindNode 实现 LookupTransport:向 c 发起一次 FIND_NODE(target) 并等待
// NODES 回复。
func (n *Node) FindNode(ctx context.Context, c *Contact, target ID) ([]*Contact, error) {
	msg, err := NewFindNode(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, target)
	if err != nil {
		return nil, err
	}
	resp, err := n.sendRequest(ctx, c, msg)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindNodes {
		return nil, ErrUnknownRequest
	}
	payload, err := DecodePayload[NodesPayload](resp)
	if err != nil {
		return nil, err
	}
	return wireContactsToContacts(payload.Contacts, n.clk.Now()), nil
}

// FindValue 实现 LookupTransport:向 c 发起一次 FIND_VALUE(target);c 若
// 持有该值返回 VALUE,否则返回 NODES,行为与 FindNode 相同。
func (n *Node) FindValue(ctx context.Context, c *Contact, target ID) (*Item, []*Contact, error) {
	msg, err := NewFindValue(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, target)
	if err != nil {
		return nil, nil, err
	}
	resp, err := n.sendRequest(ctx, c, msg)
	if err != nil {
		return nil, nil, err
	}

	switch resp.Kind {
	case KindValue:
		payload, err := DecodePayload[ValuePayload](resp)
		if err != nil {
			return nil, nil, err
		}
		return payload.Item.ToItem(), nil, nil
	case KindNodes:
		payload, err := DecodePayload[NodesPayload](resp)
		if err != nil {
			return nil, nil, err
		}
		return nil, wireContactsToContacts(payload.Contacts, n.clk.Now()), nil
	default:
		return nil, nil, ErrUnknownRequest
	}
}

// Store 实现 LookupTransport:向 c 发起一次 STORE(it)。
func (n *Node) Store(ctx context.Context, c *Contact, it *Item) error {
	msg, err := NewStoreMessage(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, it)
	if err != nil {
		return err
	}
	resp, err := n.sendRequest(ctx, c, msg)
	if err != nil {
		return err
	}
	if resp.Kind == KindStoreErr {
		payload, decodeErr := DecodePayload[StoreErrPayload](resp)
		if decodeErr != nil {
			return decodeErr
		}
		return NewNodeError("store", ErrCodeInternal, ErrSendFailed, payload.Reason)
	}
	return nil
}

// ping 发起一次 PING,用于 4.E 步骤 3b 对桶头联系人的存活探测。
func (n *Node) ping(ctx context.Context, c *Contact) error {
	msg, err := NewPing(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address)
	if err != nil {
		return err
	}
	_, err = n.sendRequest(ctx, c, msg)
	return err
}

// sendRequest 签名并发出一条消息,注册一个待决等待者,随后阻塞直至收到
// 匹配 uuid 的回复、上下文取消或超时。
func (n *Node) sendRequest(ctx context.Context, c *Contact, msg *Message) (*Message, error) {
	if err := msg.Sign(n.privateKey); err != nil {
		return nil, err
	}
	frame, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	waiter := &pendingWaiter{replyCh: make(chan *Message, 1), createdAt: n.clk.Now()}
	n.mu.Lock()
	n.pending[msg.UUID] = waiter
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, msg.UUID)
		n.mu.Unlock()
	}()

	if err := n.transport.Send(ctx, c.Address, frame); err != nil {
		return nil, ErrSendFailed
	}

	select {
	case resp, ok := <-waiter.replyCh:
		if !ok {
			return nil, ErrNodeClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLoop 从传输层接收入站事件并逐一处理,直到节点被 Leave。
func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.inbound:
			if !ok {
				return
			}
			n.handleInbound(ev)
		}
	}
}

// handleInbound 实现 4.H/4.G/7 节描述的入站处理顺序:解析、版本检查、
// 签名校验失败则丢弃(不入表,若已知联系人则累加失败计数),否则无论是
// 请求还是回复都先把发送者提供给路由表,再按 uuid 做响应关联或按类型分派。
func (n *Node) handleInbound(ev InboundEvent) {
	msg, err := DecodeMessage(ev.Frame)
	if err != nil {
		logger.Debug("丢弃无法解析的帧", "from", ev.SourceAddress, "error", err)
		return
	}

	if msg.Version != n.cfg.ProtocolVersion {
		n.replyError(ev.SourceAddress, msg, ErrCodeVersion, ErrUnsupportedVersion.Error())
		return
	}

	if err := msg.Verify(); err != nil {
		logger.Debug("丢弃签名无效的消息", "from", ev.SourceAddress, "kind", msg.Kind.String())
		n.rt.Fail(msg.SenderID)
		return
	}

	n.mu.Lock()
	waiter, waiting := n.pending[msg.UUID]
	n.mu.Unlock()
	if waiting {
		n.offerContact(msg.SenderID, ev.SourceAddress, msg.Version)
		select {
		case waiter.replyCh <- msg:
		default:
		}
		return
	}

	n.offerContact(msg.SenderID, ev.SourceAddress, msg.Version)

	switch msg.Kind {
	case KindPing:
		n.handlePing(ev.SourceAddress, msg)
	case KindFindNode:
		n.handleFindNode(ev.SourceAddress, msg)
	case KindFindValue:
		n.handleFindValue(ev.SourceAddress, msg)
	case KindStore:
		n.handleStore(ev.SourceAddress, msg)
	default:
		n.replyError(ev.SourceAddress, msg, ErrCodeUnsupported, ErrUnknownRequest.Error())
	}
}

// offerContact 把发送者提供给路由表(4.H "always offers the sender's
// contact"); 若目标桶已满且不可分裂,异步探测该桶的桶头联系人。
func (n *Node) offerContact(id ID, address string, version uint32) {
	if id.Equal(n.selfContact.ID) {
		return
	}
	now := n.clk.Now()
	c := NewContact(id, address, version, now)
	if err := n.rt.Add(c, now); errors.Is(err, ErrBucketFull) {
		n.probeBucketHead(id)
	}
}

// probeBucketHead 异步 ping 覆盖 id 的桶的桶头联系人;若探测失败则驱逐并
// 晋升替换缓存中的候选(4.E 步骤 3b)。
func (n *Node) probeBucketHead(id ID) {
	b := n.rt.BucketOf(id)
	head := b.Head()
	if head == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.BucketHeadProbeTimeout)
		defer cancel()
		if err := n.ping(ctx, head); err != nil {
			n.rt.EvictAndPromote(head.ID)
		}
	}()
}

func (n *Node) handlePing(addr string, req *Message) {
	reply, err := NewPong(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

func (n *Node) handleFindNode(addr string, req *Message) {
	payload, err := DecodePayload[FindNodePayload](req)
	if err != nil {
		n.replyError(addr, req, ErrCodeMalformed, "bad find_node payload")
		return
	}
	closest := excludeContact(n.rt.KClosest(payload.Target, n.cfg.BucketSize), req.SenderID)
	reply, err := NewNodes(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, closest)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

func (n *Node) handleFindValue(addr string, req *Message) {
	payload, err := DecodePayload[FindValuePayload](req)
	if err != nil {
		n.replyError(addr, req, ErrCodeMalformed, "bad find_value payload")
		return
	}

	if it, ok := n.store.Get(payload.Target, n.clk.Now()); ok {
		reply, err := NewValue(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, it)
		if err != nil {
			return
		}
		n.sendReply(addr, req.UUID, reply)
		return
	}

	closest := excludeContact(n.rt.KClosest(payload.Target, n.cfg.BucketSize), req.SenderID)
	reply, err := NewNodes(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, closest)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

func (n *Node) handleStore(addr string, req *Message) {
	payload, err := DecodePayload[StorePayload](req)
	if err != nil {
		n.replyStoreErr(addr, req, "malformed store payload")
		return
	}

	it := payload.Item.ToItem()
	if verifyErr := VerifyItem(it, n.clk.WallNow(), n.cfg.TimestampSkew); verifyErr != nil {
		n.replyStoreErr(addr, req, verifyErr.Error())
		return
	}

	isCacheCopy := isDistantCacheCopy(n.selfContact.ID, it.Key, n.rt.SelfBucketDepth())
	n.store.Put(it, n.clk.Now(), isCacheCopy)

	reply, err := NewStoreOK(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

// sendReply 把 reply 的 uuid 设为原始请求的 uuid 以便对端关联,签名后
// 发出;回复是"发后不候"的,不经过 pending 表。
func (n *Node) sendReply(addr string, requestUUID string, reply *Message) {
	reply.UUID = requestUUID
	if err := reply.Sign(n.privateKey); err != nil {
		logger.Debug("签名回复失败", "error", err)
		return
	}
	frame, err := reply.Encode()
	if err != nil {
		logger.Debug("编码回复失败", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RequestTimeout)
	defer cancel()
	if err := n.transport.Send(ctx, addr, frame); err != nil {
		logger.Debug("发送回复失败", "to", addr, "error", err)
	}
}

func (n *Node) replyError(addr string, req *Message, code ErrorCode, detail string) {
	reply, err := NewErrorMessage(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, code, detail, req.UUID)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

func (n *Node) replyStoreErr(addr string, req *Message, reason string) {
	reply, err := NewStoreErr(n.selfContact.ID, n.publicKeyRaw, n.cfg.ProtocolVersion, n.selfContact.Address, reason)
	if err != nil {
		return
	}
	n.sendReply(addr, req.UUID, reply)
}

// bucketRefreshLoop 周期性地刷新超过 T_refresh 未被触碰的桶(4.H)。
func (n *Node) bucketRefreshLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clk.After(n.cfg.BucketRefreshInterval):
			now := n.clk.Now()
			for _, b := range n.rt.StaleBuckets(now, n.cfg.BucketRefreshInterval) {
				n.refreshBucket(n.ctx, b)
			}
		}
	}
}

// republishLoop 周期性地执行数据存储的重新发布扫描(4.F)。
func (n *Node) republishLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clk.After(n.cfg.RepublishInterval):
			n.runRepublishCycle()
		}
	}
}

// expireScanLoop 周期性地删除已过期的条目(4.F)。
func (n *Node) expireScanLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clk.After(n.cfg.ExpireScanInterval):
			expired := n.store.ExpireScan(n.clk.WallNow())
			if len(expired) > 0 {
				logger.Debug("过期条目已删除", "count", len(expired))
			}
		}
	}
}

// pendingReapLoop 周期性地清理早已超过两倍请求超时仍未被领取的待决
// 等待者,防止 sendRequest 以外的路径造成表项泄漏。
func (n *Node) pendingReapLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clk.After(n.cfg.PendingRequestReapInterval):
			n.reapStalePending()
		}
	}
}

func (n *Node) reapStalePending() {
	cutoff := n.clk.Now().Add(-2 * n.cfg.RequestTimeout)
	n.mu.Lock()
	defer n.mu.Unlock()
	for uuid, w := range n.pending {
		if w.createdAt.Before(cutoff) {
			delete(n.pending, uuid)
		}
	}
}

// runRepublishCycle 把数据存储的重新发布候选转化为实际的网络 STORE 或
// 本地驱逐动作(4.F)。
func (n *Node) runRepublishCycle() {
	now := n.clk.Now()
	selfDepth := n.rt.SelfBucketDepth()
	for _, cand := range n.store.Republish(now, n.cfg.RepublishInterval, n.selfContact.ID, selfDepth) {
		if cand.ShouldStore {
			n.republishItem(cand.Item)
		}
		if cand.ShouldEvict {
			n.store.Delete(cand.Item.Key)
		}
	}
}

func (n *Node) republishItem(it *Item) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.LookupDeadline)
	defer cancel()

	lookup := NewLookup(LookupFindNode, it.Key, n.rt, n, n.clk, n.cfg)
	result, err := lookup.Run(ctx)
	if err != nil {
		logger.Debug("重新发布的查找失败", "key", it.Key.ShortString(), "error", err)
		return
	}

	for _, c := range result.Contacts {
		storeCtx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
		if err := n.Store(storeCtx, c, it); err != nil {
			logger.Debug("重新发布的 STORE 失败", "peer", c.Address, "error", err)
		}
		cancel()
	}
}

func excludeContact(contacts []*Contact, exclude ID) []*Contact {
	out := contacts[:0]
	for _, c := range contacts {
		if !c.ID.Equal(exclude) {
			out = append(out, c)
		}
	}
	return out
}

func wireContactsToContacts(wire []WireContact, now time.Time) []*Contact {
	out := make([]*Contact, 0, len(wire))
	for _, w := range wire {
		out = append(out, NewContact(w.ID, w.Address, w.ProtocolVersion, now))
	}
	return out
}
