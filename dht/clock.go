package dht

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock 是节点引擎所需的时钟协作者：单调 Now() 用于超时与刷新调度，
// WallNow() 仅用于条目时间戳。测试中替换为 clock.NewMock() 以获得
// 确定性的计时行为（9 节"全局单例"重构笔记）。
//
// 只暴露 After，周期性任务通过在一个 select 循环里反复调用 After 实现，
// 这样真实时钟与模拟时钟不需要额外适配 Ticker/Timer 的具体类型。
type Clock interface {
	Now() time.Time
	WallNow() time.Time
	After(d time.Duration) <-chan time.Time
}

// systemClock 把 benbjohnson/clock.Clock 适配为本包的 Clock 接口；
// 生产环境下 Now 与 WallNow 返回同一个系统时间源。
type systemClock struct {
	clock.Clock
}

// NewSystemClock 返回一个基于真实系统时间的 Clock。
func NewSystemClock() Clock {
	return &systemClock{Clock: clock.New()}
}

func (s *systemClock) WallNow() time.Time { return s.Clock.Now() }

// NewMockClock 返回一个可手动推进的时钟，供测试替换真实系统时钟。
func NewMockClock() *clock.Mock {
	return clock.NewMock()
}

// mockClockAdapter 把 *clock.Mock 适配为 Clock，WallNow 与 Now 共享同一个
// 可手动推进的时间源，方便测试同时控制两者。
type mockClockAdapter struct {
	*clock.Mock
}

// WrapMockClock 把 *clock.Mock 包装为本包的 Clock 接口。
func WrapMockClock(m *clock.Mock) Clock {
	return &mockClockAdapter{Mock: m}
}

func (m *mockClockAdapter) WallNow() time.Time { return m.Mock.Now() }

// RNG 是节点引擎所需的随机数协作者：产生均匀分布的 512 位标识符，
// 以及刷新调度中用到的区间内随机大整数。
type RNG interface {
	RandID() ID
	RandBigInt(max *big.Int) *big.Int
}

// cryptoRNG 基于 crypto/rand 实现 RNG，保证路由表刷新目标不可预测。
type cryptoRNG struct{}

// NewCryptoRNG 返回一个基于加密安全随机源的 RNG。
func NewCryptoRNG() RNG { return cryptoRNG{} }

func (cryptoRNG) RandID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

func (cryptoRNG) RandBigInt(max *big.Int) *big.Int {
	if max.Sign() <= 0 {
		return big.NewInt(0)
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return big.NewInt(0)
	}
	return n
}
