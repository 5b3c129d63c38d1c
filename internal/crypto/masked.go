package crypto

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/cloudflare/circl/cipher/ascon"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// maskedAscon 以两份异或分量保存密钥，每次运算后用新随机数重新分割，
// 合成后的密钥只在一次 Seal/Open 期间存在。置换本身不做掩码。
type maskedAscon struct {
	mu     sync.Mutex
	rand   io.Reader
	shares [2][KeySize]byte
}

func newMaskedAscon(key []byte, r io.Reader) (*maskedAscon, error) {
	if r == nil {
		r = rand.Reader
	}
	m := &maskedAscon{rand: r}
	copy(m.shares[1][:], key)
	if err := m.remask(); err != nil {
		clear(m.shares[1][:])
		return nil, err
	}
	return m, nil
}

func (m *maskedAscon) Mode() Mode { return ModeMaskedAscon }

func (m *maskedAscon) NonceSize() int { return ascon.NonceSize }

func (m *maskedAscon) TagSize() int { return ascon.TagSize }

func (m *maskedAscon) Seal(dst, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != ascon.NonceSize {
		return nil, merr.WrapErrParameterInvalid(ascon.NonceSize, len(nonce), "nonce length")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.unmask()
	if err != nil {
		return nil, err
	}
	out := a.Seal(dst, nonce, plaintext, ad)
	wipe(a)
	if err := m.remask(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *maskedAscon) Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != ascon.NonceSize || len(ciphertext) < ascon.TagSize {
		return nil, merr.ErrAuthFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.unmask()
	if err != nil {
		return nil, err
	}
	out, openErr := a.Open(dst, nonce, ciphertext, ad)
	wipe(a)
	if err := m.remask(); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, merr.ErrAuthFailure
	}
	return out, nil
}

// unmask 合成密钥并构造一次性的 Ascon-128a 实例，调用方用完后需 wipe。
func (m *maskedAscon) unmask() (*ascon.Cipher, error) {
	var key [KeySize]byte
	for i := range key {
		key[i] = m.shares[0][i] ^ m.shares[1][i]
	}
	a, err := ascon.New(key[:], ascon.Ascon128a)
	clear(key[:])
	return a, err
}

// wipe 清零实例内展开的密钥字。
func wipe(a *ascon.Cipher) {
	*a = ascon.Cipher{}
}

// remask 用新随机数 r 同时异或两份分量，合成值保持不变。
func (m *maskedAscon) remask() error {
	var r [KeySize]byte
	if _, err := io.ReadFull(m.rand, r[:]); err != nil {
		return merr.WrapErrNonceSource(err, "remask key shares")
	}
	for i := range r {
		m.shares[0][i] ^= r[i]
		m.shares[1][i] ^= r[i]
	}
	clear(r[:])
	return nil
}
