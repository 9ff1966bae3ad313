package dht

import "time"

// Contact 是路由表中对一个对端的描述：标识符、网络地址、协议版本、
// 最近一次可信通信的时间，以及连续失败次数。
//
// id 一经设置即不可变；failure-count 单调递增，直到联系人被驱逐或替换。
type Contact struct {
	ID              ID
	Address         string
	ProtocolVersion uint32
	LastSeen        time.Time
	FailureCount    int
}

// NewContact 构造一个刚被观测到的联系人。
func NewContact(id ID, address string, protocolVersion uint32, now time.Time) *Contact {
	return &Contact{
		ID:              id,
		Address:         address,
		ProtocolVersion: protocolVersion,
		LastSeen:        now,
	}
}

// Touch 记录一次成功解析的入站消息：更新 last-seen 并清零失败计数。
func (c *Contact) Touch(now time.Time) {
	c.LastSeen = now
	c.FailureCount = 0
}

// Fail 记录一次未回复或网络失败的请求。
func (c *Contact) Fail() {
	c.FailureCount++
}

// Clone 返回联系人的浅拷贝，避免调用方持有可被并发修改的共享指针。
func (c *Contact) Clone() *Contact {
	cp := *c
	return &cp
}

// Equal 仅按 id 比较两个联系人。
func (c *Contact) Equal(other *Contact) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ID.Equal(other.ID)
}
