package compressor

import "strings"

// Compressor 抽象了“整块压缩/解压”能力，用于账本导出归档。
type Compressor interface {
	// Compress 将 src 压缩后追加到 dst[:0]，返回完整压缩数据。
	Compress(dst, src []byte) ([]byte, error)

	// Decompress 是 Compress 的逆操作。
	Decompress(dst, src []byte) ([]byte, error)

	// Name 用于归档文件后缀和日志。
	Name() string
}

// NopCompressor 原样返回输入，归档关闭压缩时使用。
type NopCompressor struct{}

func (NopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (NopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (NopCompressor) Name() string { return "none" }

var _ Compressor = NopCompressor{}

// New 按名称创建压缩器，可选 zstd 与 none。
func New(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return NewZstdCompressor()
	case "none":
		return NopCompressor{}, nil
	default:
		return nil, errUnknownCompressor(name)
	}
}
