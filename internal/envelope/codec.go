package envelope

import (
	"bytes"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/internal/crypto"
	"github.com/lk2023060901/sensorlink-go/internal/ledger"
	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

// DefaultMaxPayload 为 BLE ATT 通知的默认负载上限。
const DefaultMaxPayload = 244

// Recorder 接收加解密阶段的起止时刻，*ledger.Ledger 满足该接口。
type Recorder interface {
	MarkStart(table ledger.Table, seq uint16)
	MarkEnd(table ledger.Table, seq uint16)
}

type nopRecorder struct{}

func (nopRecorder) MarkStart(ledger.Table, uint16) {}

func (nopRecorder) MarkEnd(ledger.Table, uint16) {}

// Message 是一次成功解码的结果，Plaintext 归调用方所有。
type Message struct {
	Plaintext []byte
	Seq       uint16
	SensorID  string
}

// Codec 负责信封的组帧与解析。
//
// 编码使用自有的暂存区并由 encMu 保护；解码每次为明文单独分配内存，
// 因此出站通知与入站写回调交错执行时互不影响。
type Codec struct {
	log.Binder

	backend    crypto.Backend
	nonces     *crypto.NonceGenerator
	sensorID   string
	marker     []byte
	framing    Framing
	maxPayload int
	recorder   Recorder
	stats      *Stats

	encMu      sync.Mutex
	encScratch []byte
}

type Option func(*Codec)

// WithMarker 替换关联数据标记，必须以 '|' 开头。
func WithMarker(marker string) Option {
	return func(c *Codec) {
		c.marker = []byte(marker)
	}
}

func WithFraming(f Framing) Option {
	return func(c *Codec) {
		c.framing = f
	}
}

// WithMaxPayload 设置信封长度上限，编码与解码共用这一个值。
func WithMaxPayload(n int) Option {
	return func(c *Codec) {
		c.maxPayload = n
	}
}

func WithNonceGenerator(g *crypto.NonceGenerator) Option {
	return func(c *Codec) {
		c.nonces = g
	}
}

// WithRecorder 指定加解密计时的落点，默认丢弃。
func WithRecorder(r Recorder) Option {
	return func(c *Codec) {
		c.recorder = r
	}
}

// NewCodec 为 sensorID 创建编解码器。sensorID 既是编码时写入的编号，
// 也是解码时要求的来源编号。
func NewCodec(backend crypto.Backend, sensorID string, opts ...Option) (*Codec, error) {
	c := &Codec{
		backend:    backend,
		sensorID:   sensorID,
		marker:     []byte(DefaultMarker),
		framing:    FramingMarkerScan,
		maxPayload: DefaultMaxPayload,
		recorder:   nopRecorder{},
		stats:      &Stats{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.nonces == nil {
		c.nonces = crypto.NewNonceGenerator(nil)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codec) validate() error {
	if c.backend == nil {
		return merr.WrapErrParameterMissing("backend")
	}
	if err := ValidateSensorID(c.sensorID); err != nil {
		return err
	}
	if len(c.marker) < 2 || c.marker[0] != separator || bytes.IndexByte(c.marker[1:], separator) >= 0 {
		return merr.WrapErrInvalidConfig("sensor.marker", "marker must be '|' followed by at least one non-separator byte")
	}
	if !strings.HasPrefix(c.sensorID, string(c.marker[1:])) {
		return merr.WrapErrInvalidConfig("sensor.id",
			"sensor id "+c.sensorID+" does not start with marker "+string(c.marker[1:]))
	}
	if c.framing != FramingMarkerScan && c.framing != FramingLengthPrefixed {
		return merr.WrapErrInvalidConfig("envelope.framing", c.framing.String())
	}
	if c.maxPayload <= 0 || c.maxPayload > 0xFFFF {
		return merr.WrapErrInvalidConfig("envelope.max_payload", "must be in [1, 65535]")
	}
	return crypto.CheckBudget(c.backend, c.maxPayload, c.framing.headerSize()+MinADLen)
}

func (c *Codec) SensorID() string { return c.sensorID }

func (c *Codec) Mode() crypto.Mode { return c.backend.Mode() }

func (c *Codec) Framing() Framing { return c.framing }

func (c *Codec) MaxPayload() int { return c.maxPayload }

// Stats 返回编解码计数器。
func (c *Codec) Stats() *Stats { return c.stats }

// Overhead 返回 seq 对应信封中除明文以外的字节数。
func (c *Codec) Overhead(seq uint16) int {
	return c.framing.headerSize() + c.backend.TagSize() + c.backend.NonceSize() +
		2 + len(c.sensorID) + digits(seq)
}

// MaxPlaintext 返回 seq 下可容纳的最大明文长度，放不下时返回 0。
func (c *Codec) MaxPlaintext(seq uint16) int {
	if n := c.maxPayload - c.Overhead(seq); n > 0 {
		return n
	}
	return 0
}

// Encode 分配 MaxPayload 大小的缓冲区并编码。
func (c *Codec) Encode(plaintext []byte, seq uint16) ([]byte, error) {
	buf := make([]byte, c.maxPayload)
	n, err := c.EncodeTo(buf, plaintext, seq)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// EncodeTo 将信封写入 dst[:n] 并返回 n。
// 总长超过 MaxPayload 或 cap(dst) 时返回 ErrPayloadTooLarge，dst 不会被写入。
func (c *Codec) EncodeTo(dst, plaintext []byte, seq uint16) (int, error) {
	var adBuf [MaxADLen + 6]byte
	ad := AppendAD(adBuf[:0], c.sensorID, seq)
	if len(ad) > MaxADLen {
		return 0, merr.WrapErrParameterInvalidRange(MinADLen, MaxADLen, len(ad), "associated data length")
	}

	hdr := c.framing.headerSize()
	nonceSize := c.backend.NonceSize()
	ctLen := len(plaintext) + c.backend.TagSize()
	total := hdr + ctLen + nonceSize + len(ad)
	if total > c.maxPayload || total > cap(dst) {
		budget := min(c.maxPayload, cap(dst))
		c.stats.rejectEncode()
		return 0, merr.WrapErrPayloadTooLarge(total, budget)
	}

	var nonceBuf [16]byte
	nonce := nonceBuf[:nonceSize]
	if err := c.nonces.Fill(nonce); err != nil {
		return 0, errors.Wrap(err, "generate nonce")
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()

	c.recorder.MarkStart(ledger.TableEncryption, seq)
	ct, err := c.backend.Seal(c.encScratch[:0], nonce, plaintext, ad)
	if err != nil {
		return 0, errors.Wrapf(err, "seal seq %d", seq)
	}
	c.recorder.MarkEnd(ledger.TableEncryption, seq)
	c.encScratch = ct[:0]

	out := dst[:total]
	off := 0
	if hdr > 0 {
		out[0] = byte(len(ad))
		off = hdr
	}
	off += copy(out[off:], ct)
	off += copy(out[off:], nonce)
	copy(out[off:], ad)

	c.stats.encoded.Inc()
	metrics.EnvelopeEncodedTotal.WithLabelValues(c.backend.Mode().String()).Inc()
	metrics.EnvelopeSize.WithLabelValues(c.backend.Mode().String()).Observe(float64(total))
	return total, nil
}

// Decode 解析并认证一个入站信封。
//
// 步骤：长度检查、定位关联数据、解析编号与序号、校验来源、认证解密。
// 前三类错误不会触发解密；认证失败时不返回任何明文。
func (c *Codec) Decode(buf []byte) (Message, error) {
	msg, err := c.decode(buf)
	result := decodeResult(err)
	c.stats.recordDecode(result)
	metrics.EnvelopeDecodeTotal.WithLabelValues(c.backend.Mode().String(), result).Inc()
	if err != nil {
		c.Logger().Debug("envelope rejected",
			log.FieldSensor(c.sensorID),
			zap.String("result", result),
			zap.Int("length", len(buf)),
			zap.Error(err))
	}
	return msg, err
}

func (c *Codec) decode(buf []byte) (Message, error) {
	hdr := c.framing.headerSize()
	nonceSize := c.backend.NonceSize()
	tagSize := c.backend.TagSize()
	minLen := hdr + tagSize + nonceSize + MinADLen
	if len(buf) < minLen || len(buf) > c.maxPayload {
		return Message{}, merr.WrapErrMalformedPacket(len(buf), minLen, c.maxPayload)
	}

	adStart, err := c.locateAD(buf)
	if err != nil {
		return Message{}, err
	}
	ad := buf[adStart:]
	id, seq, err := ParseAD(ad)
	if err != nil {
		return Message{}, err
	}
	if id != c.sensorID {
		return Message{}, merr.WrapErrSensorIDMismatch(c.sensorID, id)
	}

	nonce := buf[adStart-nonceSize : adStart]
	ct := buf[hdr : adStart-nonceSize]

	c.recorder.MarkStart(ledger.TableDecryption, seq)
	plaintext, err := c.backend.Open(make([]byte, 0, len(ct)), nonce, ct, ad)
	if err != nil {
		return Message{}, merr.WrapErrAuthFailure(seq)
	}
	c.recorder.MarkEnd(ledger.TableDecryption, seq)

	return Message{
		Plaintext: plaintext,
		Seq:       seq,
		SensorID:  id,
	}, nil
}

// locateAD 返回关联数据的起始下标，调用前已保证 len(buf) >= 最小长度。
func (c *Codec) locateAD(buf []byte) (int, error) {
	nonceSize := c.backend.NonceSize()
	if c.framing == FramingLengthPrefixed {
		adLen := int(buf[0])
		if adLen < MinADLen || adLen > MaxADLen || 1+c.backend.TagSize()+nonceSize+adLen > len(buf) {
			return 0, merr.WrapErrMalformedPacket(adLen, MinADLen, MaxADLen, "associated data length prefix")
		}
		adStart := len(buf) - adLen
		if !bytes.HasPrefix(buf[adStart:], c.marker) {
			return 0, merr.WrapErrMissingAssociatedData(string(c.marker))
		}
		return adStart, nil
	}

	// 从尾部向前扫描，最右侧的匹配即为关联数据起点；
	// 下界是 nonce 长度，保证 nonce 切片不越界。
	m := len(c.marker)
	for i := len(buf) - m; i >= nonceSize; i-- {
		if buf[i] == c.marker[0] && bytes.Equal(buf[i:i+m], c.marker) {
			return i, nil
		}
	}
	return 0, merr.WrapErrMissingAssociatedData(string(c.marker))
}

func decodeResult(err error) string {
	switch {
	case err == nil:
		return metrics.DecodeResultOK
	case errors.Is(err, merr.ErrMalformedPacket):
		return metrics.DecodeResultMalformed
	case errors.Is(err, merr.ErrMissingAssociatedData):
		return metrics.DecodeResultMissingAD
	case errors.Is(err, merr.ErrAssociatedDataParse):
		return metrics.DecodeResultADParse
	case errors.Is(err, merr.ErrSensorIDMismatch):
		return metrics.DecodeResultSensorMismatch
	case errors.Is(err, merr.ErrAuthFailure):
		return metrics.DecodeResultAuthFailure
	default:
		return metrics.DecodeResultOther
	}
}

func digits(v uint16) int {
	n := 1
	for v >= 10 {
		v /= 10
		n++
	}
	return n
}
