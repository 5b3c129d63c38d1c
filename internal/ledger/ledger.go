package ledger

import (
	"sync"

	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// MaxCapacity 为单表容量上限，恰好覆盖 uint16 序号空间。
const MaxCapacity = 1 << 16

// Observer 在某条记录首次同时具备起止时间时被调用，不持有锁以外的任何状态。
type Observer func(table Table, entry Entry)

type slot struct {
	Entry
	started bool
	ended   bool
}

func (s *slot) frozen() bool {
	return s.started && s.ended
}

// Ledger 是按序号索引的五张计时表。
//
// 序号超出 [0, capacity) 的写入直接忽略；结束时间只能写在已开始的记录上；
// 一条记录起止时间都写过之后就不再改变，直到 Reset。并发安全，编码与解码路径可以在不同 goroutine 中写入。
type Ledger struct {
	log.Binder

	mu       sync.Mutex
	clock    Clock
	observer Observer
	capacity int
	tables   [numTables][]slot
}

type Option func(*Ledger)

// WithClock 替换时钟，默认 MonotonicClock。
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithObserver 注册记录完成回调，通常用于导出耗时指标。
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// New 分配容量为 capacity 的账本，容量需在 [1, MaxCapacity] 内。
func New(capacity int, opts ...Option) (*Ledger, error) {
	l := &Ledger{}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = NewMonotonicClock()
	}
	if err := l.Reset(capacity); err != nil {
		return nil, err
	}
	return l, nil
}

// Reset 丢弃全部记录并按新容量重新分配，场景切换时调用。
// 容量非法时返回 ErrAllocationFailure，原有记录保持不变。
func (l *Ledger) Reset(capacity int) error {
	if capacity < 1 || capacity > MaxCapacity {
		return merr.WrapErrAllocationFailure("ledger capacity", capacity)
	}
	var tables [numTables][]slot
	for i := range tables {
		tables[i] = make([]slot, capacity)
	}

	l.mu.Lock()
	l.tables = tables
	l.capacity = capacity
	l.mu.Unlock()

	l.Logger().Debug("ledger reset", log.FieldComponent("ledger"))
	return nil
}

func (l *Ledger) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// Now 返回账本时钟的当前读数。
func (l *Ledger) Now() uint64 {
	return l.clock.NowMicros()
}

// MarkStart 以当前时间记录 table 中 seq 的开始时间。
func (l *Ledger) MarkStart(table Table, seq uint16) {
	l.MarkStartAt(table, seq, l.clock.NowMicros())
}

// MarkEnd 以当前时间记录 table 中 seq 的结束时间。
func (l *Ledger) MarkEnd(table Table, seq uint16) {
	l.MarkEndAt(table, seq, l.clock.NowMicros())
}

// MarkStartAt 用给定时间戳记录开始时间，多个阶段共享同一时刻时使用。
func (l *Ledger) MarkStartAt(table Table, seq uint16, us uint64) {
	l.mu.Lock()
	s := l.slotLocked(table, seq)
	if s == nil || s.frozen() {
		l.mu.Unlock()
		return
	}
	s.Seq = seq
	s.StartUs = us
	s.started = true
	done, entry := l.completedLocked(s)
	l.mu.Unlock()

	if done {
		l.observe(table, entry)
	}
}

// MarkEndAt 用给定时间戳记录结束时间。尚未写入开始时间的记录忽略结束时间。
func (l *Ledger) MarkEndAt(table Table, seq uint16, us uint64) {
	l.mu.Lock()
	s := l.slotLocked(table, seq)
	if s == nil || !s.started || s.frozen() {
		l.mu.Unlock()
		return
	}
	s.Seq = seq
	s.EndUs = us
	s.ended = true
	done, entry := l.completedLocked(s)
	l.mu.Unlock()

	if done {
		l.observe(table, entry)
	}
}

// Discard 清空 table 中 seq 的记录，用于作废未能发出的那次加密计时。
func (l *Ledger) Discard(table Table, seq uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.slotLocked(table, seq); s != nil {
		*s = slot{}
	}
}

// Entry 返回某条记录的副本，序号越界时 ok 为 false。
func (l *Ledger) Entry(table Table, seq uint16) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slotLocked(table, seq)
	if s == nil {
		return Entry{}, false
	}
	return s.Entry, true
}

// Snapshot 深拷贝全部计时表。
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &Snapshot{Capacity: l.capacity}
	for i := range l.tables {
		entries := make([]Entry, len(l.tables[i]))
		for j := range l.tables[i] {
			entries[j] = l.tables[i][j].Entry
		}
		snap.Tables[i] = entries
	}
	return snap
}

func (l *Ledger) slotLocked(table Table, seq uint16) *slot {
	if !table.valid() || int(seq) >= l.capacity {
		return nil
	}
	return &l.tables[table][seq]
}

func (l *Ledger) completedLocked(s *slot) (bool, Entry) {
	return s.frozen(), s.Entry
}

func (l *Ledger) observe(table Table, entry Entry) {
	if l.observer != nil {
		l.observer(table, entry)
	}
}
