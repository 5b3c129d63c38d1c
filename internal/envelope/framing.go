package envelope

import (
	"strings"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// Framing 决定接收端如何定位关联数据。
type Framing int

const (
	// FramingMarkerScan 与设备端一致：ciphertext‖tag | nonce | AD，
	// 从尾部向前扫描标记定位 AD。密文中偶然出现标记会导致误判，最终表现为认证失败。
	FramingMarkerScan Framing = iota
	// FramingLengthPrefixed 在最前面加 1 字节 AD 长度，不依赖内容扫描。
	FramingLengthPrefixed
)

func (f Framing) String() string {
	switch f {
	case FramingMarkerScan:
		return "marker-scan"
	case FramingLengthPrefixed:
		return "length-prefixed"
	default:
		return "unknown"
	}
}

// headerSize 为帧头长度。
func (f Framing) headerSize() int {
	if f == FramingLengthPrefixed {
		return 1
	}
	return 0
}

func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "marker-scan", "marker", "scan":
		return FramingMarkerScan, nil
	case "length-prefixed", "length", "prefixed":
		return FramingLengthPrefixed, nil
	default:
		return 0, merr.WrapErrParameterInvalid("marker-scan|length-prefixed", s, "envelope framing")
	}
}
