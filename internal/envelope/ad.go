package envelope

import (
	"bytes"
	"strconv"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

const (
	// DefaultMarker 是关联数据的起始标记，同时也是传感器编号的前缀（带前导分隔符）。
	DefaultMarker = "|TEMP-"

	// MinADLen 为最短关联数据，如 "|X|Y"。
	MinADLen = 5
	// MaxADLen 为关联数据上限，设备端以 strnlen(ad, 50) >= 50 拒绝。
	MaxADLen = 49
	// MinSensorIDLen 保证最短的关联数据（如 "|XY|0"）也不短于 MinADLen。
	MinSensorIDLen = 2
	// MaxSensorIDLen 为传感器编号最大字节数。
	MaxSensorIDLen = 19

	separator   = '|'
	maxSeqDigit = 5
)

// ValidateSensorID 检查编号长度在 [2, 19] 内、只含可打印 ASCII 且不含分隔符。
func ValidateSensorID(id string) error {
	if len(id) < MinSensorIDLen || len(id) > MaxSensorIDLen {
		return merr.WrapErrParameterInvalidRange(MinSensorIDLen, MaxSensorIDLen, len(id), "sensor id length")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == separator || c < 0x21 || c > 0x7e {
			return merr.WrapErrParameterInvalidMsg("sensor id %q has invalid byte at %d", id, i)
		}
	}
	return nil
}

// AppendAD 将 "|<sensor-id>|<seq>" 追加到 dst。
func AppendAD(dst []byte, sensorID string, seq uint16) []byte {
	dst = append(dst, separator)
	dst = append(dst, sensorID...)
	dst = append(dst, separator)
	return strconv.AppendUint(dst, uint64(seq), 10)
}

// FormatAD 返回新分配的关联数据文本。
func FormatAD(sensorID string, seq uint16) []byte {
	return AppendAD(make([]byte, 0, 2+len(sensorID)+maxSeqDigit), sensorID, seq)
}

// ParseAD 严格解析 "|<sensor-id>|<decimal>"：编号非空、不超过 19 字节，
// 序号只能是十进制数字且不大于 65535，整体长度在 [MinADLen, MaxADLen] 内。
func ParseAD(ad []byte) (string, uint16, error) {
	if len(ad) < MinADLen || len(ad) > MaxADLen {
		return "", 0, merr.WrapErrAssociatedDataParse(
			"length " + strconv.Itoa(len(ad)) + " out of range")
	}
	if ad[0] != separator {
		return "", 0, merr.WrapErrAssociatedDataParse("missing leading separator")
	}
	rest := ad[1:]
	idx := bytes.IndexByte(rest, separator)
	if idx < 0 {
		return "", 0, merr.WrapErrAssociatedDataParse("missing sequence separator")
	}
	id, digits := rest[:idx], rest[idx+1:]
	if len(id) == 0 || len(id) > MaxSensorIDLen {
		return "", 0, merr.WrapErrAssociatedDataParse("sensor id length " + strconv.Itoa(len(id)))
	}
	if len(digits) == 0 || len(digits) > maxSeqDigit {
		return "", 0, merr.WrapErrAssociatedDataParse("sequence length " + strconv.Itoa(len(digits)))
	}
	var seq uint32
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", 0, merr.WrapErrAssociatedDataParse("sequence is not numeric")
		}
		seq = seq*10 + uint32(c-'0')
	}
	if seq > 0xFFFF {
		return "", 0, merr.WrapErrAssociatedDataParse("sequence exceeds 65535")
	}
	return string(id), uint16(seq), nil
}
