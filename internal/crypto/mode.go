package crypto

import (
	"strings"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// Mode 选择一种 AEAD 后端，启动时由配置决定，运行期间不再变化。
type Mode int32

const (
	ModeMaskedAscon Mode = iota + 1
	ModeUnmaskedAscon
	ModeAESGCM
	ModeNone
)

const (
	KeySize = 16

	asconNonceSize = 16
	gcmNonceSize   = 12
	tagSize        = 16
)

var modeNames = map[Mode]string{
	ModeMaskedAscon:   "masked-ascon",
	ModeUnmaskedAscon: "ascon",
	ModeAESGCM:        "aes-gcm",
	ModeNone:          "none",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// Valid 报告 m 是否为已知模式。
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// NonceSize 返回该模式每条消息使用的 nonce 长度：16、16、12、0。
func (m Mode) NonceSize() int {
	switch m {
	case ModeMaskedAscon, ModeUnmaskedAscon:
		return asconNonceSize
	case ModeAESGCM:
		return gcmNonceSize
	default:
		return 0
	}
}

// TagSize 返回认证标签长度，None 模式为 0。
func (m Mode) TagSize() int {
	switch m {
	case ModeMaskedAscon, ModeUnmaskedAscon, ModeAESGCM:
		return tagSize
	default:
		return 0
	}
}

// Keyed 报告该模式是否需要预共享密钥。
func (m Mode) Keyed() bool {
	return m.Valid() && m != ModeNone
}

// ParseMode 解析配置中的模式名，大小写不敏感。
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for mode, n := range modeNames {
		if n == name {
			return mode, nil
		}
	}
	switch name {
	case "masked", "masked_ascon", "ascon-masked":
		return ModeMaskedAscon, nil
	case "unmasked", "unmasked-ascon", "ascon128a":
		return ModeUnmaskedAscon, nil
	case "gcm", "aes", "aes_gcm":
		return ModeAESGCM, nil
	}
	return 0, merr.WrapErrInvalidMode(s)
}

// Modes 按声明顺序返回全部模式。
func Modes() []Mode {
	return []Mode{ModeMaskedAscon, ModeUnmaskedAscon, ModeAESGCM, ModeNone}
}
