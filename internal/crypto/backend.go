package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/cipher/ascon"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// Backend 是四种加密模式的统一契约。
//
// Seal 将 ciphertext‖tag 追加到 dst 后返回；Open 失败时只会返回 merr.ErrAuthFailure，
// 篡改、错误密钥、错误 nonce、关联数据不一致都归为这一种结果，且不返回任何部分明文。
type Backend interface {
	Mode() Mode
	NonceSize() int
	TagSize() int
	Seal(dst, nonce, plaintext, ad []byte) ([]byte, error)
	Open(dst, nonce, ciphertext, ad []byte) ([]byte, error)
}

// Options 控制后端构造时的可选依赖。
type Options struct {
	// Rand 为掩码密钥重随机化使用的随机源，默认 crypto/rand.Reader。
	Rand io.Reader
}

type Option func(*Options)

// WithRand 替换掩码模式的随机源，测试中用来注入确定性输入。
func WithRand(r io.Reader) Option {
	return func(o *Options) {
		o.Rand = r
	}
}

// NewBackend 按模式构造后端。带密钥的模式要求 16 字节密钥，None 模式忽略 key。
func NewBackend(mode Mode, key []byte, opts ...Option) (Backend, error) {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if !mode.Valid() {
		return nil, merr.WrapErrInvalidMode(int32(mode))
	}
	if mode.Keyed() && len(key) != KeySize {
		return nil, merr.WrapErrInvalidKey(KeySize, len(key))
	}

	var (
		b   Backend
		err error
	)
	switch mode {
	case ModeMaskedAscon:
		b, err = newMaskedAscon(key, o.Rand)
	case ModeUnmaskedAscon:
		var a *ascon.Cipher
		a, err = ascon.New(key, ascon.Ascon128a)
		if err == nil {
			b = &aeadBackend{mode: mode, aead: a}
		}
	case ModeAESGCM:
		b, err = newAESGCM(key)
	case ModeNone:
		b = noneBackend{}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s backend", mode)
	}
	log.Info("aead backend selected",
		log.FieldMode(mode),
		log.FieldComponent("crypto"))
	return b, nil
}

// ParseKey 解析十六进制形式的预共享密钥。
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(merr.ErrInvalidKey, "key is not valid hex")
	}
	if len(key) != KeySize {
		return nil, merr.WrapErrInvalidKey(KeySize, len(key))
	}
	return key, nil
}

// CheckBudget 在配置阶段确认 tag+nonce+reserved 能放进 maxPayload，
// reserved 为信封中除密文和 nonce 之外的最小开销。
func CheckBudget(b Backend, maxPayload, reserved int) error {
	need := b.TagSize() + b.NonceSize() + reserved
	if maxPayload < need {
		return merr.WrapErrInvalidConfig("envelope.max_payload",
			fmt.Sprintf("%s needs at least %d bytes, budget is %d", b.Mode(), need, maxPayload))
	}
	return nil
}

// aeadBackend 适配任意 cipher.AEAD，AES-GCM 与非掩码 Ascon 共用。
type aeadBackend struct {
	mode Mode
	aead cipher.AEAD
}

func newAESGCM(key []byte) (*aeadBackend, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadBackend{mode: ModeAESGCM, aead: aead}, nil
}

func (b *aeadBackend) Mode() Mode { return b.mode }

func (b *aeadBackend) NonceSize() int { return b.aead.NonceSize() }

func (b *aeadBackend) TagSize() int { return b.aead.Overhead() }

func (b *aeadBackend) Seal(dst, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != b.aead.NonceSize() {
		return nil, merr.WrapErrParameterInvalid(b.aead.NonceSize(), len(nonce), "nonce length")
	}
	return b.aead.Seal(dst, nonce, plaintext, ad), nil
}

func (b *aeadBackend) Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != b.aead.NonceSize() || len(ciphertext) < b.aead.Overhead() {
		return nil, merr.ErrAuthFailure
	}
	out, err := b.aead.Open(dst, nonce, ciphertext, ad)
	if err != nil {
		return nil, merr.ErrAuthFailure
	}
	return out, nil
}

// noneBackend 不加密也不认证，密文即明文副本。
type noneBackend struct{}

func (noneBackend) Mode() Mode { return ModeNone }

func (noneBackend) NonceSize() int { return 0 }

func (noneBackend) TagSize() int { return 0 }

func (noneBackend) Seal(dst, nonce, plaintext, _ []byte) ([]byte, error) {
	if len(nonce) != 0 {
		return nil, merr.WrapErrParameterInvalid(0, len(nonce), "nonce length")
	}
	return append(dst, plaintext...), nil
}

func (noneBackend) Open(dst, nonce, ciphertext, _ []byte) ([]byte, error) {
	if len(nonce) != 0 {
		return nil, merr.ErrAuthFailure
	}
	return append(dst, ciphertext...), nil
}
