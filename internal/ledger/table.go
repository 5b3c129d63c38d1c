package ledger

// Table 标识一类计时表。数值即导出顺序：RTT、ENC、DEC、R_PROC、S_PROC。
type Table int

const (
	// TableRTT 记录完整往返时间，由发送方写入。
	TableRTT Table = iota
	// TableEncryption 记录本端 AEAD 加密耗时。
	TableEncryption
	// TableDecryption 记录解密耗时。
	TableDecryption
	// TableReceiveProcessing 记录收到写入到解码完成的处理耗时。
	TableReceiveProcessing
	// TableSendProcessing 记录组帧加通知的发送处理耗时。
	TableSendProcessing

	numTables = 5
)

var tableNames = [numTables]string{
	TableRTT:               "RTT",
	TableEncryption:        "ENC",
	TableDecryption:        "DEC",
	TableReceiveProcessing: "R_PROC",
	TableSendProcessing:    "S_PROC",
}

func (t Table) String() string {
	if t.valid() {
		return tableNames[t]
	}
	return "UNKNOWN"
}

func (t Table) valid() bool {
	return t >= 0 && t < numTables
}

// Tables 按导出顺序返回全部计时表。
func Tables() []Table {
	return []Table{TableRTT, TableEncryption, TableDecryption, TableReceiveProcessing, TableSendProcessing}
}

// Entry 是一条计时记录，时间单位为微秒。EndUs 为 0 表示该阶段未完成。
type Entry struct {
	Seq     uint16 `json:"seq"`
	StartUs uint64 `json:"start_us"`
	EndUs   uint64 `json:"end_us"`
}

// Duration 返回耗时，未完成或时间倒序时返回 0。
func (e Entry) Duration() uint64 {
	if e.EndUs < e.StartUs {
		return 0
	}
	return e.EndUs - e.StartUs
}
