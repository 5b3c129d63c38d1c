package crypto

import (
	"crypto/rand"
	"io"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// NonceGenerator 为每条消息生成新的随机 nonce。
//
// 这里不记录历史 nonce，同一密钥下不重复完全依赖随机源质量。
type NonceGenerator struct {
	rand io.Reader
}

// NewNonceGenerator 使用给定随机源创建生成器，r 为 nil 时使用 crypto/rand.Reader。
func NewNonceGenerator(r io.Reader) *NonceGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &NonceGenerator{rand: r}
}

// Fill 用随机字节填满 dst，长度为 0 时不读取随机源。
func (g *NonceGenerator) Fill(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if _, err := io.ReadFull(g.rand, dst); err != nil {
		return merr.WrapErrNonceSource(err)
	}
	return nil
}

// Generate 返回长度为 size 的新 nonce。
func (g *NonceGenerator) Generate(size int) ([]byte, error) {
	if size < 0 {
		return nil, merr.WrapErrParameterInvalidRange(0, asconNonceSize, size, "nonce size")
	}
	nonce := make([]byte, size)
	if err := g.Fill(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ForBackend 返回 b 所需长度的 nonce。
func (g *NonceGenerator) ForBackend(b Backend) ([]byte, error) {
	return g.Generate(b.NonceSize())
}
