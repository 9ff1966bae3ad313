package dht

import (
	"errors"
	"time"
)

// DefaultMaxFailures 是联系人在被逐出路由表前允许的最大连续失败次数。
const DefaultMaxFailures = 3

// Config 承载节点引擎、路由表、本地数据存储与迭代查找共用的可调参数。
type Config struct {
	// BucketSize 是 K 桶容量，也是值的复制因子 K。
	BucketSize int

	// Alpha 是迭代查找的并发度 α。
	Alpha int

	// SplitParam 是 4.E 中宽松分裂规则的 b 参数；默认 1，即关闭该规则，
	// 只保留"桶覆盖 self"这一条核心分裂条件。
	SplitParam int

	// MaxFailures 是联系人被驱逐前允许的最大连续失败次数。
	MaxFailures int

	// RequestTimeout 是单次 RPC 的超时时间。
	RequestTimeout time.Duration

	// LookupDeadline 是一次迭代查找的总截止时间。
	LookupDeadline time.Duration

	// BucketHeadProbeTimeout 是分裂失败后探活桶头联系人的超时时间。
	BucketHeadProbeTimeout time.Duration

	// BucketRefreshInterval 是桶未被触碰后触发刷新查找的间隔 T_refresh。
	BucketRefreshInterval time.Duration

	// RepublishInterval 是本地数据存储重新发布/过期扫描的间隔 T_republish。
	RepublishInterval time.Duration

	// ExpireScanInterval 是过期扫描的执行间隔 T_expire_scan。
	ExpireScanInterval time.Duration

	// PendingRequestReapInterval 是待决请求回收器的轮询间隔。
	PendingRequestReapInterval time.Duration

	// TimestampSkew 是条目时间戳允许超前于 wall_now() 的容差。
	TimestampSkew time.Duration

	// CacheCapacity 是本节点愿意为他人值保留的"缓存副本"条目上限，
	// 超出后由 LRU 淘汰最久未用的一个（见 store.go）。
	CacheCapacity int

	// ProtocolVersion 标记本实现生成的条目与消息所使用的协议版本号。
	ProtocolVersion uint32
}

// DefaultConfig 返回本规范各组件列出的默认值。
func DefaultConfig() *Config {
	return &Config{
		BucketSize:                 DefaultBucketSize,
		Alpha:                      3,
		SplitParam:                 DefaultSplitParam,
		MaxFailures:                DefaultMaxFailures,
		RequestTimeout:             1 * time.Second,
		LookupDeadline:             5 * time.Second,
		BucketHeadProbeTimeout:     500 * time.Millisecond,
		BucketRefreshInterval:      3600 * time.Second,
		RepublishInterval:          3600 * time.Second,
		ExpireScanInterval:         60 * time.Second,
		PendingRequestReapInterval: 1 * time.Second,
		TimestampSkew:              5 * time.Minute,
		CacheCapacity:              4096,
		ProtocolVersion:            1,
	}
}

// Validate 检查配置是否自洽。
func (c *Config) Validate() error {
	switch {
	case c.BucketSize <= 0:
		return errors.New("dht: bucket size must be positive")
	case c.Alpha <= 0:
		return errors.New("dht: alpha must be positive")
	case c.SplitParam <= 0:
		return errors.New("dht: split param must be positive")
	case c.MaxFailures <= 0:
		return errors.New("dht: max failures must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("dht: request timeout must be positive")
	case c.LookupDeadline <= 0:
		return errors.New("dht: lookup deadline must be positive")
	case c.LookupDeadline < c.RequestTimeout:
		return errors.New("dht: lookup deadline must be at least one request timeout")
	case c.BucketHeadProbeTimeout <= 0:
		return errors.New("dht: bucket head probe timeout must be positive")
	case c.BucketRefreshInterval <= 0:
		return errors.New("dht: bucket refresh interval must be positive")
	case c.RepublishInterval <= 0:
		return errors.New("dht: republish interval must be positive")
	case c.ExpireScanInterval <= 0:
		return errors.New("dht: expire scan interval must be positive")
	case c.PendingRequestReapInterval <= 0:
		return errors.New("dht: pending request reap interval must be positive")
	case c.TimestampSkew < 0:
		return errors.New("dht: timestamp skew must not be negative")
	case c.CacheCapacity <= 0:
		return errors.New("dht: cache capacity must be positive")
	}
	return nil
}

// ConfigOption 是配置的函数式选项。
type ConfigOption func(*Config)

// WithBucketSize 设置 K 桶容量。
func WithBucketSize(k int) ConfigOption {
	return func(c *Config) { c.BucketSize = k }
}

// WithAlpha 设置迭代查找并发度 α。
func WithAlpha(alpha int) ConfigOption {
	return func(c *Config) { c.Alpha = alpha }
}

// WithConfigSplitParam 设置宽松分裂参数 b。
func WithConfigSplitParam(b int) ConfigOption {
	return func(c *Config) { c.SplitParam = b }
}

// WithMaxFailuresOption 设置联系人驱逐前的最大连续失败次数。
func WithMaxFailuresOption(n int) ConfigOption {
	return func(c *Config) { c.MaxFailures = n }
}

// WithRequestTimeout 设置单次 RPC 超时。
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithLookupDeadline 设置迭代查找的总截止时间。
func WithLookupDeadline(d time.Duration) ConfigOption {
	return func(c *Config) { c.LookupDeadline = d }
}

// WithBucketHeadProbeTimeout 设置桶头探活超时。
func WithBucketHeadProbeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.BucketHeadProbeTimeout = d }
}

// WithBucketRefreshInterval 设置桶刷新间隔 T_refresh。
func WithBucketRefreshInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.BucketRefreshInterval = d }
}

// WithRepublishInterval 设置重新发布间隔 T_republish。
func WithRepublishInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.RepublishInterval = d }
}

// WithExpireScanInterval 设置过期扫描间隔。
func WithExpireScanInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.ExpireScanInterval = d }
}

// WithTimestampSkew 设置条目时间戳允许的未来偏差。
func WithTimestampSkew(d time.Duration) ConfigOption {
	return func(c *Config) { c.TimestampSkew = d }
}

// WithCacheCapacity 设置缓存副本条目的上限。
func WithCacheCapacity(n int) ConfigOption {
	return func(c *Config) { c.CacheCapacity = n }
}

// WithProtocolVersion 设置本节点生成条目与消息使用的协议版本号。
func WithProtocolVersion(v uint32) ConfigOption {
	return func(c *Config) { c.ProtocolVersion = v }
}

// NewConfig 返回应用了给定选项的默认配置。
func NewConfig(opts ...ConfigOption) *Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}
