package scenario

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

const (
	MinID = 1
	MaxID = 12

	// DefaultMaxPackets 是每个场景默认发送的报文数。
	DefaultMaxPackets = 100

	// BytesPerReading 为单个温度读数的字节数（u16，百分之一摄氏度）。
	BytesPerReading = 2

	interval1s  = 1000
	interval10s = 10000
	interval60s = 60000
)

// Config 描述一次场景运行。
type Config struct {
	ID                     int    `json:"id"`
	MaxPackets             uint32 `json:"max_packets"`
	PayloadMultiple        uint32 `json:"payload_multiple"`
	TransmissionIntervalMs uint32 `json:"transmission_interval_ms"`
}

// PayloadBytes 返回每条消息的明文长度。
func (c Config) PayloadBytes() int {
	return int(c.PayloadMultiple) * BytesPerReading
}

// Interval 返回发送间隔。
func (c Config) Interval() time.Duration {
	return time.Duration(c.TransmissionIntervalMs) * time.Millisecond
}

type preset struct {
	payloadMultiple uint32
	intervalMs      uint32
}

// presets 下标为场景编号减一：1-4 间隔 1s，5-8 间隔 10s，9-12 间隔 60s，
// 每组内负载倍数依次为 1、5、50、100。
var presets = [MaxID]preset{
	{1, interval1s}, {5, interval1s}, {50, interval1s}, {100, interval1s},
	{1, interval10s}, {5, interval10s}, {50, interval10s}, {100, interval10s},
	{1, interval60s}, {5, interval60s}, {50, interval60s}, {100, interval60s},
}

// Configure 查表得到场景配置，编号不在 [1, 12] 时返回 ErrInvalidScenario。
func Configure(id int, maxPackets uint32) (Config, error) {
	if id < MinID || id > MaxID {
		return Config{}, merr.WrapErrInvalidScenario(id)
	}
	if maxPackets == 0 {
		return Config{}, merr.WrapErrParameterInvalidRange(1, 1<<16, 0, "max packets")
	}
	p := presets[id-1]
	return Config{
		ID:                     id,
		MaxPackets:             maxPackets,
		PayloadMultiple:        p.payloadMultiple,
		TransmissionIntervalMs: p.intervalMs,
	}, nil
}

// All 返回全部十二个场景，按编号升序。
func All(maxPackets uint32) []Config {
	return lo.Map(lo.RangeFrom(MinID, MaxID), func(id int, _ int) Config {
		c, _ := Configure(id, maxPackets)
		return c
	})
}

// Selector 保存当前生效的场景，并支持顺序推进。
type Selector struct {
	mu         sync.RWMutex
	maxPackets uint32
	current    Config
	configured bool
}

func NewSelector(maxPackets uint32) *Selector {
	return &Selector{maxPackets: maxPackets}
}

// Configure 切换到场景 id。失败时保留原配置。
// 同一编号重复调用得到相同结果。
func (s *Selector) Configure(id int) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := Configure(id, s.maxPackets)
	if err != nil {
		return s.current, err
	}
	s.current = c
	s.configured = true
	return c, nil
}

// Current 返回当前配置，尚未配置时 ok 为 false。
func (s *Selector) Current() (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.configured
}

// Next 推进到下一个场景；尚未配置时从场景 1 开始。
// 已经是场景 12 时返回 ok=false，当前配置不变。
func (s *Selector) Next() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := MinID
	if s.configured {
		next = s.current.ID + 1
	}
	c, err := Configure(next, s.maxPackets)
	if err != nil {
		return s.current, false
	}
	s.current = c
	s.configured = true
	return c, true
}
