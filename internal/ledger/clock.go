package ledger

import (
	"time"

	"go.uber.org/atomic"
)

// Clock 提供单调递增的微秒时间戳。
type Clock interface {
	NowMicros() uint64
}

// MonotonicClock 以创建时刻为基准，读数来自 time.Since 的单调时钟部分。
// 读数从 1 开始，0 留给尚未写入的时间戳。
type MonotonicClock struct {
	origin time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{origin: time.Now()}
}

func (c *MonotonicClock) NowMicros() uint64 {
	return uint64(time.Since(c.origin).Microseconds()) + 1
}

// ManualClock 由测试显式推进。
type ManualClock struct {
	now atomic.Uint64
}

func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) NowMicros() uint64 {
	return c.now.Load()
}

// Advance 前进 d 微秒并返回新的读数。
func (c *ManualClock) Advance(d uint64) uint64 {
	return c.now.Add(d)
}

func (c *ManualClock) Set(us uint64) {
	c.now.Store(us)
}
