package ledger

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/sensorlink-go/internal/compressor"
	"github.com/lk2023060901/sensorlink-go/internal/json"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

type LedgerSuite struct {
	suite.Suite

	clock  *ManualClock
	ledger *Ledger
}

func (s *LedgerSuite) SetupTest() {
	s.clock = NewManualClock(1000)
	l, err := New(100, WithClock(s.clock))
	s.Require().NoError(err)
	s.ledger = l
}

func (s *LedgerSuite) TestMarkStartEnd() {
	s.ledger.MarkStart(TableEncryption, 7)
	s.clock.Advance(250)
	s.ledger.MarkEnd(TableEncryption, 7)

	e, ok := s.ledger.Entry(TableEncryption, 7)
	s.True(ok)
	s.Equal(Entry{Seq: 7, StartUs: 1000, EndUs: 1250}, e)
	s.Equal(uint64(250), e.Duration())

	// 其他表不受影响。
	other, ok := s.ledger.Entry(TableDecryption, 7)
	s.True(ok)
	s.Equal(Entry{}, other)
}

func (s *LedgerSuite) TestOutOfRangeIsNoop() {
	s.ledger.MarkStart(TableRTT, 100)
	s.ledger.MarkEnd(TableRTT, 65535)
	s.ledger.MarkStart(Table(9), 1)

	_, ok := s.ledger.Entry(TableRTT, 100)
	s.False(ok)
	_, ok = s.ledger.Entry(Table(-1), 1)
	s.False(ok)

	snap := s.ledger.Snapshot()
	for _, t := range Tables() {
		s.Len(snap.Table(t), 100)
		for _, e := range snap.Table(t) {
			s.Equal(Entry{}, e)
		}
	}
}

func (s *LedgerSuite) TestFrozenOnceComplete() {
	s.ledger.MarkStartAt(TableRTT, 3, 10)
	s.ledger.MarkEndAt(TableRTT, 3, 20)

	s.ledger.MarkStartAt(TableRTT, 3, 30)
	s.ledger.MarkEndAt(TableRTT, 3, 40)

	e, _ := s.ledger.Entry(TableRTT, 3)
	s.Equal(Entry{Seq: 3, StartUs: 10, EndUs: 20}, e)
}

func (s *LedgerSuite) TestRestartBeforeEnd() {
	// 发送失败后的重试会覆盖开始时间，结束时间保持为 0。
	s.ledger.MarkStartAt(TableSendProcessing, 4, 10)
	s.ledger.MarkStartAt(TableSendProcessing, 4, 15)
	e, _ := s.ledger.Entry(TableSendProcessing, 4)
	s.Equal(Entry{Seq: 4, StartUs: 15}, e)
	s.Empty(s.ledger.Snapshot().Completed(TableSendProcessing))
}

func (s *LedgerSuite) TestEndWithoutStartIgnored() {
	s.ledger.MarkEndAt(TableRTT, 5, 20)
	e, _ := s.ledger.Entry(TableRTT, 5)
	s.Equal(Entry{}, e)

	s.ledger.MarkStartAt(TableRTT, 5, 30)
	s.ledger.MarkEndAt(TableRTT, 5, 45)
	e, _ = s.ledger.Entry(TableRTT, 5)
	s.Equal(Entry{Seq: 5, StartUs: 30, EndUs: 45}, e)
}

func (s *LedgerSuite) TestDiscard() {
	s.ledger.MarkStartAt(TableEncryption, 2, 10)
	s.ledger.MarkEndAt(TableEncryption, 2, 12)
	s.ledger.Discard(TableEncryption, 2)
	s.ledger.Discard(TableEncryption, 500)

	e, _ := s.ledger.Entry(TableEncryption, 2)
	s.Equal(Entry{}, e)
	s.ledger.MarkStartAt(TableEncryption, 2, 20)
	s.ledger.MarkEndAt(TableEncryption, 2, 23)
	e, _ = s.ledger.Entry(TableEncryption, 2)
	s.Equal(Entry{Seq: 2, StartUs: 20, EndUs: 23}, e)
}

func (s *LedgerSuite) TestReset() {
	s.ledger.MarkStartAt(TableRTT, 1, 10)
	s.ledger.MarkEndAt(TableRTT, 1, 20)

	s.Require().NoError(s.ledger.Reset(10))
	s.Equal(10, s.ledger.Capacity())
	e, ok := s.ledger.Entry(TableRTT, 1)
	s.True(ok)
	s.Equal(Entry{}, e)
	_, ok = s.ledger.Entry(TableRTT, 10)
	s.False(ok)

	// 容量非法时保留原状态。
	s.ErrorIs(s.ledger.Reset(0), merr.ErrAllocationFailure)
	s.ErrorIs(s.ledger.Reset(MaxCapacity+1), merr.ErrAllocationFailure)
	s.Equal(10, s.ledger.Capacity())
}

func (s *LedgerSuite) TestSnapshotIsDeepCopy() {
	s.ledger.MarkStartAt(TableDecryption, 2, 5)
	snap := s.ledger.Snapshot()
	snap.Tables[TableDecryption][2].StartUs = 99

	e, _ := s.ledger.Entry(TableDecryption, 2)
	s.Equal(uint64(5), e.StartUs)
}

func (s *LedgerSuite) TestObserver() {
	var (
		mu   sync.Mutex
		seen []Entry
	)
	l, err := New(4, WithClock(s.clock), WithObserver(func(table Table, entry Entry) {
		mu.Lock()
		defer mu.Unlock()
		s.Equal(TableRTT, table)
		seen = append(seen, entry)
	}))
	s.Require().NoError(err)

	l.MarkStartAt(TableRTT, 0, 1)
	s.Empty(seen)
	l.MarkEndAt(TableRTT, 0, 9)
	l.MarkEndAt(TableRTT, 0, 11)
	s.Equal([]Entry{{Seq: 0, StartUs: 1, EndUs: 9}}, seen)
}

func TestLedger(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func TestNewRejectsCapacity(t *testing.T) {
	for _, c := range []int{0, -1, MaxCapacity + 1} {
		_, err := New(c)
		assert.ErrorIs(t, err, merr.ErrAllocationFailure)
	}
	l, err := New(MaxCapacity)
	require.NoError(t, err)
	l.MarkStartAt(TableRTT, 65535, 1)
	e, ok := l.Entry(TableRTT, 65535)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.StartUs)
}

func TestTableNames(t *testing.T) {
	names := make([]string, 0, numTables)
	for _, tb := range Tables() {
		names = append(names, tb.String())
	}
	assert.Equal(t, []string{"RTT", "ENC", "DEC", "R_PROC", "S_PROC"}, names)
	assert.Equal(t, "UNKNOWN", Table(7).String())
	assert.Equal(t, "S_PROC.csv", CSVFileName(TableSendProcessing))
}

func TestMonotonicClock(t *testing.T) {
	c := NewMonotonicClock()
	a := c.NowMicros()
	b := c.NowMicros()
	assert.GreaterOrEqual(t, b, a)
	assert.NotZero(t, a)
}

func TestEntryDuration(t *testing.T) {
	assert.Equal(t, uint64(0), Entry{StartUs: 10}.Duration())
	assert.Equal(t, uint64(5), Entry{StartUs: 10, EndUs: 15}.Duration())
}

func filledSnapshot(t *testing.T) *Snapshot {
	l, err := New(3, WithClock(NewManualClock(0)))
	require.NoError(t, err)
	for i, tb := range Tables() {
		l.MarkStartAt(tb, 1, uint64(100*(i+1)))
		l.MarkEndAt(tb, 1, uint64(100*(i+1)+7))
	}
	l.MarkStartAt(TableRTT, 2, 1<<40)
	return l.Snapshot()
}

func TestBinaryLayout(t *testing.T) {
	snap := filledSnapshot(t)
	data, err := snap.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, numTables*3*EntrySize)

	// RTT 表第 1 条：seq=1，6 字节填充，start=100，end=107。
	rec := data[EntrySize : 2*EntrySize]
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(rec[0:2]))
	assert.Equal(t, make([]byte, 6), rec[2:8])
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(rec[8:16]))
	assert.Equal(t, uint64(107), binary.LittleEndian.Uint64(rec[16:24]))

	// 最后一张表是 S_PROC。
	last := data[4*3*EntrySize+EntrySize : 4*3*EntrySize+2*EntrySize]
	assert.Equal(t, uint64(500), binary.LittleEndian.Uint64(last[8:16]))

	back, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}

func TestUnmarshalSnapshotRejects(t *testing.T) {
	_, err := UnmarshalSnapshot(nil)
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	_, err = UnmarshalSnapshot(make([]byte, numTables*EntrySize+1))
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	bad := &Snapshot{Capacity: 2}
	_, err = bad.MarshalBinary()
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestCSV(t *testing.T) {
	snap := filledSnapshot(t)
	var buf bytes.Buffer
	require.NoError(t, snap.WriteCSV(&buf, TableRTT))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"Seq_Num,Start_Time,End_Time",
		"0,0,0",
		"1,100,107",
		"2,1099511627776,0",
	}, lines)

	dir := filepath.Join(t.TempDir(), "dump")
	require.NoError(t, snap.ExportCSV(dir))
	for _, tb := range Tables() {
		data, err := os.ReadFile(filepath.Join(dir, CSVFileName(tb)))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "Seq_Num,Start_Time,End_Time\n"))
	}
}

func TestJSON(t *testing.T) {
	snap := filledSnapshot(t)
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"R_PROC"`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *snap, back)

	assert.Error(t, json.Unmarshal([]byte(`{"capacity":2,"tables":{}}`), &back))
}

func TestArchive(t *testing.T) {
	c, err := compressor.NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	snap := filledSnapshot(t)
	packed, err := snap.Archive(c)
	require.NoError(t, err)

	back, err := OpenArchive(c, packed)
	require.NoError(t, err)
	assert.Equal(t, snap, back)

	_, err = OpenArchive(c, []byte("garbage"))
	assert.Error(t, err)
}

func TestCompleted(t *testing.T) {
	snap := filledSnapshot(t)
	assert.Len(t, snap.Completed(TableRTT), 1)
	assert.Nil(t, snap.Table(Table(8)))
}
