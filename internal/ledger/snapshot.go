package ledger

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/sensorlink-go/internal/compressor"
	"github.com/lk2023060901/sensorlink-go/internal/json"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// EntrySize 是一条记录的二进制长度，与设备端 data_entry 结构体的内存布局一致：
// u16 seq、6 字节填充、u64 start、u64 end，小端序。
const EntrySize = 24

// Snapshot 是账本某一时刻的只读副本。
type Snapshot struct {
	Capacity int
	Tables   [numTables][]Entry
}

// Table 返回指定表的记录，表不存在时返回 nil。
func (s *Snapshot) Table(t Table) []Entry {
	if !t.valid() {
		return nil
	}
	return s.Tables[t]
}

// Completed 返回指定表中起止时间都已写入的记录。
func (s *Snapshot) Completed(t Table) []Entry {
	var out []Entry
	for _, e := range s.Table(t) {
		if e.StartUs != 0 && e.EndUs != 0 {
			out = append(out, e)
		}
	}
	return out
}

// MarshalBinary 按 RTT、ENC、DEC、R_PROC、S_PROC 的顺序首尾相接输出五张表。
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	buf := make([]byte, numTables*s.Capacity*EntrySize)
	off := 0
	for _, t := range Tables() {
		entries := s.Tables[t]
		if len(entries) != s.Capacity {
			return nil, merr.WrapErrParameterInvalid(s.Capacity, len(entries), "entries in table "+t.String())
		}
		for _, e := range entries {
			binary.LittleEndian.PutUint16(buf[off:], e.Seq)
			binary.LittleEndian.PutUint64(buf[off+8:], e.StartUs)
			binary.LittleEndian.PutUint64(buf[off+16:], e.EndUs)
			off += EntrySize
		}
	}
	return buf, nil
}

// UnmarshalSnapshot 解析 MarshalBinary 的输出，容量由数据长度推出。
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	const stride = numTables * EntrySize
	if len(data) == 0 || len(data)%stride != 0 {
		return nil, merr.WrapErrParameterInvalidMsg("ledger dump length %d is not a positive multiple of %d", len(data), stride)
	}
	capacity := len(data) / stride
	if capacity > MaxCapacity {
		return nil, merr.WrapErrAllocationFailure("ledger capacity", capacity)
	}

	snap := &Snapshot{Capacity: capacity}
	off := 0
	for _, t := range Tables() {
		entries := make([]Entry, capacity)
		for i := range entries {
			entries[i] = Entry{
				Seq:     binary.LittleEndian.Uint16(data[off:]),
				StartUs: binary.LittleEndian.Uint64(data[off+8:]),
				EndUs:   binary.LittleEndian.Uint64(data[off+16:]),
			}
			off += EntrySize
		}
		snap.Tables[t] = entries
	}
	return snap, nil
}

type jsonSnapshot struct {
	Capacity int                `json:"capacity"`
	Tables   map[string][]Entry `json:"tables"`
}

// MarshalJSON 以表名为键输出，便于分析脚本直接读取。
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	js := jsonSnapshot{
		Capacity: s.Capacity,
		Tables:   make(map[string][]Entry, numTables),
	}
	for _, t := range Tables() {
		js.Tables[t.String()] = s.Tables[t]
	}
	return json.Marshal(js)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var js jsonSnapshot
	if err := json.Unmarshal(data, &js); err != nil {
		return errors.Wrap(err, "decode ledger json")
	}
	out := Snapshot{Capacity: js.Capacity}
	for _, t := range Tables() {
		entries := js.Tables[t.String()]
		if len(entries) != js.Capacity {
			return merr.WrapErrParameterInvalid(js.Capacity, len(entries), "entries in table "+t.String())
		}
		out.Tables[t] = entries
	}
	*s = out
	return nil
}

// Archive 返回压缩后的二进制导出。
func (s *Snapshot) Archive(c compressor.Compressor) ([]byte, error) {
	raw, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return c.Compress(nil, raw)
}

// OpenArchive 是 Archive 的逆操作。
func OpenArchive(c compressor.Compressor, data []byte) (*Snapshot, error) {
	raw, err := c.Decompress(nil, data)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s ledger archive", c.Name())
	}
	return UnmarshalSnapshot(raw)
}
